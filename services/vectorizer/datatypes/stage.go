// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides shared data structures for the vectorizer
// service: pipeline stages, resource vectors, schedule decisions, and
// the request/response types of the generation API.
package datatypes

import (
	"fmt"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// =============================================================================
// Pipeline Stages
// =============================================================================

// Stage identifies one of the three ordered pipeline phases.
type Stage string

const (
	// StageTemplate is structural template synthesis. Cheap, local,
	// and the foundation every later stage builds on.
	StageTemplate Stage = "template"

	// StageDetail is detail enhancement via a generative model. The
	// dominant cost of the pipeline; requires accelerator capacity
	// under the default cost vectors.
	StageDetail Stage = "detail"

	// StageOptimize is path/shape optimization of the enhanced
	// document. CPU-bound.
	StageOptimize Stage = "optimize"
)

// String returns the stage name.
func (s Stage) String() string { return string(s) }

// Valid reports whether s is one of the three known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageTemplate, StageDetail, StageOptimize:
		return true
	}
	return false
}

// Stages returns the three stages in dependency order.
func Stages() []Stage {
	return []Stage{StageTemplate, StageDetail, StageOptimize}
}

// =============================================================================
// Resource Vectors
// =============================================================================

// ResourceVector holds a normalized (0..1) quantity per shared
// resource dimension. It is used both for stage costs and for
// available capacity within a scheduling cycle.
//
// # Thread Safety
//
// ResourceVector is a value type; copies are independent.
type ResourceVector struct {
	CPU      float64 `json:"cpu" yaml:"cpu"`
	Mem      float64 `json:"mem" yaml:"mem"`
	Accel    float64 `json:"accel" yaml:"accel"`
	AccelMem float64 `json:"accel_mem" yaml:"accel_mem"`
}

// Add returns v + o component-wise.
func (v ResourceVector) Add(o ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:      v.CPU + o.CPU,
		Mem:      v.Mem + o.Mem,
		Accel:    v.Accel + o.Accel,
		AccelMem: v.AccelMem + o.AccelMem,
	}
}

// Sub returns v - o component-wise, clamped at zero so a release can
// never drive capacity negative.
func (v ResourceVector) Sub(o ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:      clampZero(v.CPU - o.CPU),
		Mem:      clampZero(v.Mem - o.Mem),
		Accel:    clampZero(v.Accel - o.Accel),
		AccelMem: clampZero(v.AccelMem - o.AccelMem),
	}
}

// Fits reports whether every component of v is within capacity.
func (v ResourceVector) Fits(capacity ResourceVector) bool {
	return v.CPU <= capacity.CPU &&
		v.Mem <= capacity.Mem &&
		v.Accel <= capacity.Accel &&
		v.AccelMem <= capacity.AccelMem
}

// Scalar collapses the vector to a single magnitude (component sum).
// The greedy scheduler uses it as the denominator of its
// quality-per-cost ratio.
func (v ResourceVector) Scalar() float64 {
	return v.CPU + v.Mem + v.Accel + v.AccelMem
}

// IsZero reports whether all components are zero.
func (v ResourceVector) IsZero() bool {
	return v.CPU == 0 && v.Mem == 0 && v.Accel == 0 && v.AccelMem == 0
}

// Clone returns a copy. ResourceVector is a value type, so this is
// plain assignment; the method exists so callers holding one through
// an interface don't need to know that.
func (v ResourceVector) Clone() ResourceVector { return v }

func clampZero(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

// =============================================================================
// Stage Specifications
// =============================================================================

// StageSpec describes one stage's contribution to the scheduler's
// objective: its marginal quality weight and its normalized resource
// cost. Specs are static configuration, loaded once per process and
// consumed only by the scheduler — executors never see them.
//
// # Fields
//
//   - Name: the stage this spec describes.
//   - QualityWeight: 0..1 marginal contribution to final visual
//     fidelity; the three weights sum to 1 after normalization.
//   - Cost: normalized per-resource cost of running the stage once.
//   - DependsOn: the stage that must be complete (or granted earlier
//     in the same cycle) before this one may run; empty for template.
type StageSpec struct {
	Name          Stage          `json:"name" yaml:"name"`
	QualityWeight float64        `json:"quality_weight" yaml:"quality_weight"`
	Cost          ResourceVector `json:"cost" yaml:"cost"`
	DependsOn     Stage          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// DefaultStageSpecs returns the stock specs. The 0.6/0.3/0.1 weights
// are tunable defaults (config can override them), reflecting each
// stage's marginal contribution to final fidelity.
func DefaultStageSpecs() map[Stage]StageSpec {
	return map[Stage]StageSpec{
		StageTemplate: {
			Name:          StageTemplate,
			QualityWeight: 0.6,
			Cost:          ResourceVector{CPU: 0.05, Mem: 0.04},
		},
		StageDetail: {
			Name:          StageDetail,
			QualityWeight: 0.3,
			Cost:          ResourceVector{CPU: 0.10, Mem: 0.15, Accel: 0.35, AccelMem: 0.30},
			DependsOn:     StageTemplate,
		},
		StageOptimize: {
			Name:          StageOptimize,
			QualityWeight: 0.1,
			Cost:          ResourceVector{CPU: 0.15, Mem: 0.10},
			DependsOn:     StageDetail,
		},
	}
}

// NormalizeWeights rescales quality weights in place so they sum to 1.
// Returns an error if the sum is zero or any weight is negative.
func NormalizeWeights(specs map[Stage]StageSpec) error {
	var sum float64
	for _, s := range specs {
		if s.QualityWeight < 0 {
			return fmt.Errorf("stage %s has negative quality weight %f", s.Name, s.QualityWeight)
		}
		sum += s.QualityWeight
	}
	if sum == 0 {
		return fmt.Errorf("quality weights sum to zero")
	}
	for name, s := range specs {
		s.QualityWeight /= sum
		specs[name] = s
	}
	return nil
}

// =============================================================================
// Stage Parameters
// =============================================================================

// StageParameters are the tier-selected execution knobs for one stage.
// The configuration matrix produces a complete set for all three
// stages at every tier, even when some stages end up skipped.
type StageParameters struct {
	Stage       Stage         `json:"stage"`
	Iterations  int           `json:"iterations"`
	Resolution  int           `json:"resolution"`
	DetailLevel float64       `json:"detail_level"`
	MaxPaths    int           `json:"max_paths"`
	Timeout     time.Duration `json:"timeout"`
}

// =============================================================================
// Schedule Decisions
// =============================================================================

// ScheduleDecision is the scheduler's per-cycle grant for one request.
// Produced only by the cycle goroutine and consumed exactly once by
// that request's pipeline controller.
//
// # Fields
//
//   - RequestID: the request the grant belongs to.
//   - StagesToRun: stages admitted this cycle, in dependency order.
//     May be empty when the request stays queued.
//   - Final: no further grants will follow. The controller finishes
//     with its best artifact after running the granted stages instead
//     of re-queuing (remaining stages are permanently infeasible or
//     the requeue budget is exhausted).
//   - Cycle: the scheduling cycle that produced the decision.
type ScheduleDecision struct {
	RequestID   string  `json:"request_id"`
	StagesToRun []Stage `json:"stages_to_run"`
	Final       bool    `json:"final"`
	Cycle       uint64  `json:"cycle"`
}

// Includes reports whether the grant admits the given stage.
func (d ScheduleDecision) Includes(s Stage) bool {
	for _, st := range d.StagesToRun {
		if st == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Artifacts
// =============================================================================

// Artifact is the output of one pipeline stage: the rendered SVG
// markup plus the structured document the next stage consumes.
type Artifact struct {
	Stage     Stage         `json:"stage"`
	SVG       string        `json:"svg"`
	Doc       *svg.Document `json:"-"`
	Backend   string        `json:"backend"`
	CreatedAt time.Time     `json:"created_at"`
}
