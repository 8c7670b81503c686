// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/backends"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// StageExecutor runs one pipeline stage.
//
// # Thread Safety
//
// Executors are stateless between calls and safe for concurrent use;
// all per-request data lives in the PipelineState, which only the
// owning controller goroutine touches.
type StageExecutor interface {
	// Stage identifies which stage this executor runs.
	Stage() datatypes.Stage

	// Execute runs the stage against the state's current artifacts,
	// writes its output artifact into the state, and reports the wall
	// time spent. The stage's hard timeout from params bounds the
	// call; expiry yields a *StageExecutionError wrapping
	// ErrStageTimeout. A failed Execute must leave earlier artifacts
	// untouched.
	Execute(ctx context.Context, st *PipelineState, params datatypes.StageParameters) (*datatypes.Artifact, time.Duration, error)
}

// execCore carries the shared timeout-and-wrap plumbing.
type execCore struct {
	stage   datatypes.Stage
	backend backends.Backend
}

func (e *execCore) Stage() datatypes.Stage { return e.stage }

// runBackend invokes the backend under the stage deadline and wraps
// every failure as a *StageExecutionError for breaker accounting.
func (e *execCore) runBackend(ctx context.Context, in backends.Input) (*svg.Document, time.Duration, error) {
	timeout := in.Params.Timeout
	if timeout <= 0 {
		timeout = DefaultDetailTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	doc, err := e.backend.Run(runCtx, in)
	elapsed := time.Since(start)

	if err != nil {
		cause := err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			cause = ErrStageTimeout
		}
		return nil, elapsed, &StageExecutionError{Stage: e.stage, Backend: e.backend.Name(), Cause: cause}
	}
	if doc == nil || doc.ShapeCount() == 0 {
		return nil, elapsed, &StageExecutionError{
			Stage:   e.stage,
			Backend: e.backend.Name(),
			Cause:   errors.New("backend returned an empty document"),
		}
	}
	return doc, elapsed, nil
}

func (e *execCore) artifact(doc *svg.Document) *datatypes.Artifact {
	return &datatypes.Artifact{
		Stage:     e.stage,
		SVG:       doc.Render(),
		Doc:       doc,
		Backend:   e.backend.Name(),
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// Template Executor
// =============================================================================

// TemplateExecutor synthesizes the structural template from the
// prompt alone and writes Outputs.Template.
type TemplateExecutor struct {
	execCore
}

var _ StageExecutor = (*TemplateExecutor)(nil)

func NewTemplateExecutor(b backends.Backend) *TemplateExecutor {
	return &TemplateExecutor{execCore{stage: datatypes.StageTemplate, backend: b}}
}

func (e *TemplateExecutor) Execute(ctx context.Context, st *PipelineState, params datatypes.StageParameters) (*datatypes.Artifact, time.Duration, error) {
	doc, elapsed, err := e.runBackend(ctx, backends.Input{
		Prompt: st.Prompt,
		Style:  st.Style,
		Params: params,
	})
	if err != nil {
		return nil, elapsed, err
	}
	art := e.artifact(doc)
	st.Outputs.Template = art
	return art, elapsed, nil
}

// =============================================================================
// Detail Executor
// =============================================================================

// DetailExecutor enhances the template document and writes
// Outputs.Enhanced. Its input is always Outputs.Template.
type DetailExecutor struct {
	execCore
}

var _ StageExecutor = (*DetailExecutor)(nil)

func NewDetailExecutor(b backends.Backend) *DetailExecutor {
	return &DetailExecutor{execCore{stage: datatypes.StageDetail, backend: b}}
}

func (e *DetailExecutor) Execute(ctx context.Context, st *PipelineState, params datatypes.StageParameters) (*datatypes.Artifact, time.Duration, error) {
	if st.Outputs.Template == nil {
		return nil, 0, &StageExecutionError{
			Stage:   e.stage,
			Backend: e.backend.Name(),
			Cause:   errors.New("no template artifact to enhance"),
		}
	}
	doc, elapsed, err := e.runBackend(ctx, backends.Input{
		Prompt: st.Prompt,
		Style:  st.Style,
		Params: params,
		Base:   st.Outputs.Template.Doc,
	})
	if err != nil {
		return nil, elapsed, err
	}
	art := e.artifact(doc)
	st.Outputs.Enhanced = art
	return art, elapsed, nil
}

// =============================================================================
// Optimize Executor
// =============================================================================

// OptimizeExecutor reduces the best available document and writes
// Outputs.Optimized. It prefers the enhanced artifact and falls back
// to the bare template when detail was skipped.
type OptimizeExecutor struct {
	execCore
}

var _ StageExecutor = (*OptimizeExecutor)(nil)

func NewOptimizeExecutor(b backends.Backend) *OptimizeExecutor {
	return &OptimizeExecutor{execCore{stage: datatypes.StageOptimize, backend: b}}
}

func (e *OptimizeExecutor) Execute(ctx context.Context, st *PipelineState, params datatypes.StageParameters) (*datatypes.Artifact, time.Duration, error) {
	base := st.Outputs.Enhanced
	if base == nil {
		base = st.Outputs.Template
	}
	if base == nil {
		return nil, 0, &StageExecutionError{
			Stage:   e.stage,
			Backend: e.backend.Name(),
			Cause:   errors.New("no artifact to optimize"),
		}
	}
	doc, elapsed, err := e.runBackend(ctx, backends.Input{
		Prompt: st.Prompt,
		Style:  st.Style,
		Params: params,
		Base:   base.Doc,
	})
	if err != nil {
		return nil, elapsed, err
	}
	art := e.artifact(doc)
	st.Outputs.Optimized = art
	return art, elapsed, nil
}

// DefaultExecutors wires the local backends for all three stages.
// The detail backend can be swapped for the OpenAI one by config.
func DefaultExecutors() map[datatypes.Stage]StageExecutor {
	return map[datatypes.Stage]StageExecutor{
		datatypes.StageTemplate: NewTemplateExecutor(backends.NewTemplateBackend()),
		datatypes.StageDetail:   NewDetailExecutor(backends.NewProceduralDetailBackend()),
		datatypes.StageOptimize: NewOptimizeExecutor(backends.NewOptimizeBackend()),
	}
}
