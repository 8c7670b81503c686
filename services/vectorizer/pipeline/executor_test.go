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
	"testing"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/backends"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// blockingBackend never returns until the stage deadline kills it.
type blockingBackend struct{}

func (blockingBackend) Name() string { return "blocking" }

func (blockingBackend) Run(ctx context.Context, _ backends.Input) (*svg.Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// emptyBackend succeeds with a document holding no shapes.
type emptyBackend struct{}

func (emptyBackend) Name() string { return "empty" }

func (emptyBackend) Run(context.Context, backends.Input) (*svg.Document, error) {
	return svg.New(backends.Canvas, backends.Canvas), nil
}

// capturingBackend records the base document it was handed.
type capturingBackend struct {
	base *svg.Document
}

func (b *capturingBackend) Name() string { return "capturing" }

func (b *capturingBackend) Run(_ context.Context, in backends.Input) (*svg.Document, error) {
	b.base = in.Base
	doc := svg.New(backends.Canvas, backends.Canvas)
	doc.Add(svg.Circle{CX: 10, CY: 10, R: 4, Fill: "#ffffff"})
	return doc, nil
}

func newTestState() *PipelineState {
	return NewPipelineState(testRequest())
}

func mediumParams(stage datatypes.Stage) datatypes.StageParameters {
	return ParamsForTier(resource.TierMedium)[stage]
}

// =============================================================================
// Template
// =============================================================================

func TestTemplateExecutor_WritesTemplateArtifact(t *testing.T) {
	st := newTestState()
	exec := NewTemplateExecutor(backends.NewTemplateBackend())

	art, elapsed, err := exec.Execute(context.Background(), st, mediumParams(datatypes.StageTemplate))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if art == nil || st.Outputs.Template != art {
		t.Fatal("Expected the artifact to be written to Outputs.Template")
	}
	if art.Stage != datatypes.StageTemplate {
		t.Errorf("Artifact stage = %s, want template", art.Stage)
	}
	if art.Backend != "template-procedural" {
		t.Errorf("Artifact backend = %s, want template-procedural", art.Backend)
	}
	if art.SVG == "" || art.Doc == nil || art.Doc.ShapeCount() == 0 {
		t.Error("Expected a rendered, non-empty document")
	}
	if elapsed < 0 {
		t.Errorf("Elapsed = %v, want non-negative", elapsed)
	}
}

// =============================================================================
// Detail
// =============================================================================

func TestDetailExecutor_RequiresTemplate(t *testing.T) {
	st := newTestState()
	exec := NewDetailExecutor(backends.NewProceduralDetailBackend())

	_, _, err := exec.Execute(context.Background(), st, mediumParams(datatypes.StageDetail))
	if err == nil {
		t.Fatal("Expected an error without a template artifact")
	}
	var see *StageExecutionError
	if !errors.As(err, &see) {
		t.Fatalf("Expected *StageExecutionError, got %T", err)
	}
	if see.Stage != datatypes.StageDetail {
		t.Errorf("Error stage = %s, want detail", see.Stage)
	}
	if st.Outputs.Enhanced != nil {
		t.Error("A failed detail run must not write an artifact")
	}
}

func TestDetailExecutor_EnhancesTemplate(t *testing.T) {
	st := newTestState()
	if _, _, err := NewTemplateExecutor(backends.NewTemplateBackend()).
		Execute(context.Background(), st, mediumParams(datatypes.StageTemplate)); err != nil {
		t.Fatalf("Template stage failed: %v", err)
	}

	exec := NewDetailExecutor(backends.NewProceduralDetailBackend())
	art, _, err := exec.Execute(context.Background(), st, mediumParams(datatypes.StageDetail))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if st.Outputs.Enhanced != art {
		t.Fatal("Expected the artifact to be written to Outputs.Enhanced")
	}
	if st.Outputs.Template == nil {
		t.Error("Detail must leave the template artifact in place")
	}
	if art.Doc.ShapeCount() < st.Outputs.Template.Doc.ShapeCount() {
		t.Errorf("Enhanced document has %d shapes, template had %d",
			art.Doc.ShapeCount(), st.Outputs.Template.Doc.ShapeCount())
	}
}

// =============================================================================
// Optimize
// =============================================================================

func TestOptimizeExecutor_PrefersEnhanced(t *testing.T) {
	st := newTestState()
	tmplDoc := svg.New(backends.Canvas, backends.Canvas)
	tmplDoc.Add(svg.Rect{X: 0, Y: 0, W: 10, H: 10, Fill: "#111111"})
	enhDoc := svg.New(backends.Canvas, backends.Canvas)
	enhDoc.Add(svg.Rect{X: 0, Y: 0, W: 20, H: 20, Fill: "#222222"})
	st.Outputs.Template = &datatypes.Artifact{Stage: datatypes.StageTemplate, Doc: tmplDoc}
	st.Outputs.Enhanced = &datatypes.Artifact{Stage: datatypes.StageDetail, Doc: enhDoc}

	backend := &capturingBackend{}
	art, _, err := NewOptimizeExecutor(backend).
		Execute(context.Background(), st, mediumParams(datatypes.StageOptimize))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if backend.base != enhDoc {
		t.Error("Expected the enhanced document as the optimize base")
	}
	if st.Outputs.Optimized != art {
		t.Error("Expected the artifact to be written to Outputs.Optimized")
	}
}

func TestOptimizeExecutor_FallsBackToTemplate(t *testing.T) {
	st := newTestState()
	tmplDoc := svg.New(backends.Canvas, backends.Canvas)
	tmplDoc.Add(svg.Rect{X: 0, Y: 0, W: 10, H: 10, Fill: "#111111"})
	st.Outputs.Template = &datatypes.Artifact{Stage: datatypes.StageTemplate, Doc: tmplDoc}

	backend := &capturingBackend{}
	if _, _, err := NewOptimizeExecutor(backend).
		Execute(context.Background(), st, mediumParams(datatypes.StageOptimize)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if backend.base != tmplDoc {
		t.Error("Expected the template document as the optimize base when detail was skipped")
	}
}

func TestOptimizeExecutor_RequiresAnArtifact(t *testing.T) {
	st := newTestState()
	_, _, err := NewOptimizeExecutor(backends.NewOptimizeBackend()).
		Execute(context.Background(), st, mediumParams(datatypes.StageOptimize))
	if err == nil {
		t.Fatal("Expected an error with nothing to optimize")
	}
}

// =============================================================================
// Shared Plumbing
// =============================================================================

func TestExecutor_TimeoutWrapsErrStageTimeout(t *testing.T) {
	st := newTestState()
	params := mediumParams(datatypes.StageTemplate)
	params.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, _, err := NewTemplateExecutor(blockingBackend{}).Execute(context.Background(), st, params)
	if err == nil {
		t.Fatal("Expected a timeout error")
	}
	if !errors.Is(err, ErrStageTimeout) {
		t.Errorf("Expected ErrStageTimeout, got %v", err)
	}
	var see *StageExecutionError
	if !errors.As(err, &see) {
		t.Fatalf("Expected *StageExecutionError, got %T", err)
	}
	if see.Backend != "blocking" {
		t.Errorf("Error backend = %s, want blocking", see.Backend)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout enforcement took %v, expected prompt expiry", elapsed)
	}
	if st.Outputs.Template != nil {
		t.Error("A timed-out stage must not write an artifact")
	}
}

func TestExecutor_EmptyDocumentIsAFailure(t *testing.T) {
	st := newTestState()
	_, _, err := NewTemplateExecutor(emptyBackend{}).
		Execute(context.Background(), st, mediumParams(datatypes.StageTemplate))
	if err == nil {
		t.Fatal("Expected an error for an empty document")
	}
	if st.Outputs.Template != nil {
		t.Error("An empty result must not be stored as an artifact")
	}
}

func TestDefaultExecutors_CoverAllStages(t *testing.T) {
	execs := DefaultExecutors()
	for _, stage := range datatypes.Stages() {
		exec, ok := execs[stage]
		if !ok {
			t.Fatalf("No executor for stage %s", stage)
		}
		if exec.Stage() != stage {
			t.Errorf("Executor for %s reports stage %s", stage, exec.Stage())
		}
	}
}
