// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request and response types for the image
// generation endpoints. For stage/scheduling vocabulary see stage.go.

package datatypes

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Input Bounds
// =============================================================================

const (
	// MaxPromptBytes is the maximum accepted prompt size. Larger
	// prompts add no structural signal and inflate cache keys and
	// backend payloads.
	MaxPromptBytes = 2000

	// MaxPriority is the highest accepted request priority. Priority
	// only breaks ties between otherwise equal scheduling candidates.
	MaxPriority = 9
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// genValidate is the validator instance for generation datatypes,
// initialized with the custom style-token validator.
var genValidate *validator.Validate

// styleTokenPattern mirrors pkg/validation's style rules so struct
// binding can reject bad tokens before deeper checks run.
var styleTokenPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,31}$`)

func init() {
	genValidate = validator.New()
	_ = genValidate.RegisterValidation("styletoken", validateStyleToken)
}

// validateStyleToken accepts the empty string (style is optional) or a
// lowercase alphanumeric/hyphen token of at most 32 characters.
func validateStyleToken(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	return styleTokenPattern.MatchString(s)
}

// =============================================================================
// Generation Request
// =============================================================================

// GenerateRequest is the input of one vector-image generation.
//
// # Fields
//
//   - RequestID: Optional client-supplied correlation id (UUID v4);
//     generated server-side when absent.
//   - Prompt: Required. The text description to render, 1..2000 bytes.
//   - Style: Optional style token ("flat", "line-art", ...) biasing
//     palette and stroke selection.
//   - Priority: Optional 0..9; used only as a scheduling tie-breaker.
//
// # Validation
//
// Uses go-playground/validator tags plus the custom styletoken rule.
// Handlers additionally run pkg/validation's control-character and
// UTF-8 checks before admission.
type GenerateRequest struct {
	RequestID string `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Prompt    string `json:"prompt" validate:"required,min=1,max=2000"`
	Style     string `json:"style,omitempty" validate:"styletoken"`
	Priority  int    `json:"priority,omitempty" validate:"gte=0,lte=9"`
}

// Validate validates the request fields after JSON binding.
func (r *GenerateRequest) Validate() error {
	return genValidate.Struct(r)
}

// EnsureDefaults populates the RequestID when the client omitted it.
func (r *GenerateRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// =============================================================================
// Generation Response
// =============================================================================

// ResultMetadata describes how a result was produced.
//
// # Fields
//
//   - ResourceTierUsed: the tier in effect when the pipeline ran.
//   - StagesRun: ordered names of stages that executed, including
//     "fallback" when the fallback generator produced the artifact.
//   - StageDurationsMs: wall time per executed stage.
//   - Degraded: true only for failure-driven outcomes — a later stage
//     failed and an earlier artifact was returned, or a started
//     pipeline fell back. Resource-driven early exits and circuit-open
//     bypasses are not degradations.
//   - Fallback: the artifact came from the fallback generator.
//   - CacheHit: the result was served from the result cache.
//   - Timestamp: Unix milliseconds (UTC) when the result was finalized.
type ResultMetadata struct {
	ResourceTierUsed string           `json:"resource_tier_used"`
	StagesRun        []string         `json:"stages_run"`
	StageDurationsMs map[string]int64 `json:"stage_durations_ms"`
	Degraded         bool             `json:"degraded"`
	Fallback         bool             `json:"fallback"`
	CacheHit         bool             `json:"cache_hit,omitempty"`
	Timestamp        int64            `json:"timestamp"`
}

// GenerateResponse is the output of one generation: the SVG document,
// a small raster preview (PNG bytes, base64 in JSON), and metadata.
type GenerateResponse struct {
	RequestID     string         `json:"request_id"`
	SVGContent    string         `json:"svg_content"`
	RasterPreview []byte         `json:"raster_preview,omitempty"`
	Metadata      ResultMetadata `json:"metadata"`
}

// =============================================================================
// Async Jobs
// =============================================================================

// JobStatus is the lifecycle state of an asynchronous generation job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// JobSubmitResponse acknowledges an async submission.
type JobSubmitResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobStatusResponse reports an async job's state and, once done, its
// result. Error is populated only for JobFailed, which in practice
// requires the fallback path itself to be unavailable.
type JobStatusResponse struct {
	JobID       string            `json:"job_id"`
	Status      JobStatus         `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Result      *GenerateResponse `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}
