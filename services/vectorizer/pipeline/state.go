// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one generation request through its stages:
// admission, template synthesis, detail enhancement, optimization,
// and the deterministic fallback path. A process-wide circuit breaker
// guards entry; a scheduler (consumed through the Admitter interface)
// decides which stages each request may run and when.
package pipeline

import (
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

// =============================================================================
// Phases
// =============================================================================

// Phase is the controller's position in the stage machine.
//
// Valid transitions: INIT → RUN_TEMPLATE → RUN_DETAIL → RUN_OPTIMIZE
// → DONE, with FALLBACK → DONE reachable from every phase and stages
// skippable when the scheduler never grants them.
type Phase string

const (
	// PhaseInit is pre-admission: breaker gate and queue wait.
	PhaseInit Phase = "INIT"

	// PhaseRunTemplate executes structural template synthesis.
	PhaseRunTemplate Phase = "RUN_TEMPLATE"

	// PhaseRunDetail executes detail enhancement.
	PhaseRunDetail Phase = "RUN_DETAIL"

	// PhaseRunOptimize executes path/shape optimization.
	PhaseRunOptimize Phase = "RUN_OPTIMIZE"

	// PhaseFallback composes the deterministic fallback artifact.
	PhaseFallback Phase = "FALLBACK"

	// PhaseDone is terminal; the response has been assembled.
	PhaseDone Phase = "DONE"
)

// String returns the phase name.
func (p Phase) String() string { return string(p) }

// phaseForStage maps a granted stage to its running phase.
func phaseForStage(s datatypes.Stage) Phase {
	switch s {
	case datatypes.StageTemplate:
		return PhaseRunTemplate
	case datatypes.StageDetail:
		return PhaseRunDetail
	case datatypes.StageOptimize:
		return PhaseRunOptimize
	}
	return PhaseInit
}

// =============================================================================
// PipelineState
// =============================================================================

// Outputs holds the per-stage artifacts. A later field is only ever
// set when an earlier one exists; Optimized in particular is never
// set without Enhanced or Template.
type Outputs struct {
	Template  *datatypes.Artifact
	Enhanced  *datatypes.Artifact
	Optimized *datatypes.Artifact
}

// PipelineState is the per-request record. It is exclusively owned by
// the request's controller goroutine: no locking, no sharing. Stage
// executors receive it to read their input artifact and write their
// output artifact, nothing else.
type PipelineState struct {
	RequestID string
	Prompt    string
	Style     string
	Priority  int

	Phase    Phase
	Outputs  Outputs
	TierUsed resource.Tier

	// StagesRun lists completed stages in execution order.
	StagesRun      []string
	StageDurations map[datatypes.Stage]time.Duration

	Status   datatypes.JobStatus
	Degraded bool
	Fallback bool

	EnqueuedAt  time.Time
	CompletedAt time.Time
}

// NewPipelineState seeds a state from a validated request.
func NewPipelineState(req datatypes.GenerateRequest) *PipelineState {
	return &PipelineState{
		RequestID:      req.RequestID,
		Prompt:         req.Prompt,
		Style:          req.Style,
		Priority:       req.Priority,
		Phase:          PhaseInit,
		Status:         datatypes.JobQueued,
		StageDurations: make(map[datatypes.Stage]time.Duration),
		EnqueuedAt:     time.Now(),
	}
}

// BestArtifact returns the most refined artifact produced so far:
// optimized, then enhanced, then template. Nil when no stage has
// completed.
func (st *PipelineState) BestArtifact() *datatypes.Artifact {
	switch {
	case st.Outputs.Optimized != nil:
		return st.Outputs.Optimized
	case st.Outputs.Enhanced != nil:
		return st.Outputs.Enhanced
	default:
		return st.Outputs.Template
	}
}

// CompletedStages returns the stages that hold artifacts, in
// dependency order. The scheduler treats these as fixed.
func (st *PipelineState) CompletedStages() []datatypes.Stage {
	var done []datatypes.Stage
	if st.Outputs.Template != nil {
		done = append(done, datatypes.StageTemplate)
	}
	if st.Outputs.Enhanced != nil {
		done = append(done, datatypes.StageDetail)
	}
	if st.Outputs.Optimized != nil {
		done = append(done, datatypes.StageOptimize)
	}
	return done
}

// MarkStageRun records a completed stage and its duration.
func (st *PipelineState) MarkStageRun(stage datatypes.Stage, d time.Duration) {
	st.StagesRun = append(st.StagesRun, stage.String())
	st.StageDurations[stage] = d
}

// Metadata assembles the response metadata from the current state.
func (st *PipelineState) Metadata() datatypes.ResultMetadata {
	durations := make(map[string]int64, len(st.StageDurations))
	for stage, d := range st.StageDurations {
		durations[stage.String()] = d.Milliseconds()
	}
	stagesRun := st.StagesRun
	if stagesRun == nil {
		stagesRun = []string{}
	}
	return datatypes.ResultMetadata{
		ResourceTierUsed: st.TierUsed.String(),
		StagesRun:        stagesRun,
		StageDurationsMs: durations,
		Degraded:         st.Degraded,
		Fallback:         st.Fallback,
		Timestamp:        time.Now().UnixMilli(),
	}
}
