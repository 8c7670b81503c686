// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

func templateParams() datatypes.StageParameters {
	return datatypes.StageParameters{
		Stage:      datatypes.StageTemplate,
		Iterations: 4,
		Resolution: 64,
		MaxPaths:   24,
		Timeout:    5 * time.Second,
	}
}

func detailParams() datatypes.StageParameters {
	return datatypes.StageParameters{
		Stage:       datatypes.StageDetail,
		Iterations:  6,
		Resolution:  128,
		DetailLevel: 0.6,
		MaxPaths:    48,
		Timeout:     30 * time.Second,
	}
}

func TestSeed_Deterministic(t *testing.T) {
	a := Seed("a red lighthouse", "badge")
	b := Seed("a red lighthouse", "badge")
	if a != b {
		t.Fatalf("Seed() not deterministic: %d != %d", a, b)
	}
	if Seed("a red lighthouse", "icon") == a {
		t.Error("style must contribute to the seed")
	}
	if Seed("a blue lighthouse", "badge") == a {
		t.Error("prompt must contribute to the seed")
	}
}

func TestTemplateBackend_Deterministic(t *testing.T) {
	b := NewTemplateBackend()
	in := Input{Prompt: "sunrise over mountains", Style: "landscape", Params: templateParams()}

	first, err := b.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	second, err := b.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if first.Render() != second.Render() {
		t.Error("same prompt and style must render identically")
	}
	if first.ShapeCount() == 0 {
		t.Error("template produced no shapes")
	}
	if first.Title != "sunrise over mountains" {
		t.Errorf("Title = %q", first.Title)
	}
}

func TestTemplateBackend_RespectsMaxPaths(t *testing.T) {
	b := NewTemplateBackend()
	params := templateParams()
	params.MaxPaths = 5
	in := Input{Prompt: "dense abstract grid", Style: "abstract", Params: params}

	doc, err := b.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if doc.ShapeCount() > 5 {
		t.Errorf("ShapeCount() = %d, want <= 5", doc.ShapeCount())
	}
}

func TestTemplateBackend_StyleSelectsArchetype(t *testing.T) {
	if pickArchetype("badge", 42) != archetypeBadge {
		t.Error("badge style must pick the badge archetype")
	}
	if pickArchetype("landscape", 42) != archetypeLandscape {
		t.Error("landscape style must pick the landscape archetype")
	}
	// Unrecognized style falls back to the hash, still in range.
	a := pickArchetype("no-such-style", 42)
	if a < 0 || a >= archetypeCount {
		t.Errorf("hash archetype out of range: %d", a)
	}
}

func TestProceduralDetailBackend_RequiresBase(t *testing.T) {
	b := NewProceduralDetailBackend()
	_, err := b.Run(context.Background(), Input{Prompt: "x", Params: detailParams()})
	if err == nil {
		t.Fatal("expected error without a base document")
	}
}

func TestProceduralDetailBackend_AddsDetailUnderBudget(t *testing.T) {
	tb := NewTemplateBackend()
	base, err := tb.Run(context.Background(), Input{Prompt: "harbor at dusk", Style: "landscape", Params: templateParams()})
	if err != nil {
		t.Fatalf("template Run() error: %v", err)
	}

	db := NewProceduralDetailBackend()
	params := detailParams()
	doc, err := db.Run(context.Background(), Input{Prompt: "harbor at dusk", Style: "landscape", Params: params, Base: base})
	if err != nil {
		t.Fatalf("detail Run() error: %v", err)
	}

	if doc.ShapeCount() <= base.ShapeCount() {
		t.Errorf("detail added nothing: %d -> %d shapes", base.ShapeCount(), doc.ShapeCount())
	}
	if doc.ShapeCount() > params.MaxPaths {
		t.Errorf("ShapeCount() = %d exceeds MaxPaths %d", doc.ShapeCount(), params.MaxPaths)
	}
	// The base document must not be mutated.
	if base.ShapeCount() >= doc.ShapeCount() {
		t.Error("expected clone-and-extend, not in-place growth")
	}
}

func TestProceduralDetailBackend_Deterministic(t *testing.T) {
	tb := NewTemplateBackend()
	in := Input{Prompt: "city skyline", Style: "abstract", Params: templateParams()}
	base, _ := tb.Run(context.Background(), in)

	db := NewProceduralDetailBackend()
	din := Input{Prompt: "city skyline", Style: "abstract", Params: detailParams(), Base: base}
	a, err := db.Run(context.Background(), din)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	b, err := db.Run(context.Background(), din)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if a.Render() != b.Render() {
		t.Error("detail pass must be deterministic")
	}
}

func TestOptimizeBackend_DedupAndCap(t *testing.T) {
	doc := svg.New(256, 256)
	// Duplicate rects collapse to one; the huge rect survives the cap.
	doc.Add(svg.Rect{X: 10, Y: 10, W: 50, H: 50, Fill: "#ff0000"})
	doc.Add(svg.Rect{X: 10, Y: 10, W: 50, H: 50, Fill: "#ff0000"})
	doc.Add(svg.Rect{X: 0, Y: 0, W: 200, H: 200, Fill: "#00ff00"})
	doc.Add(svg.Circle{CX: 30, CY: 30, R: 10, Fill: "#0000ff"})

	ob := NewOptimizeBackend()
	params := datatypes.StageParameters{
		Stage:       datatypes.StageOptimize,
		Iterations:  1,
		Resolution:  128,
		DetailLevel: 0.9,
		MaxPaths:    2,
	}
	out, err := ob.Run(context.Background(), Input{Params: params, Base: doc})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out.ShapeCount() != 2 {
		t.Fatalf("ShapeCount() = %d, want 2", out.ShapeCount())
	}
	rendered := out.Render()
	if !strings.Contains(rendered, "#00ff00") {
		t.Error("largest shape must survive the cap")
	}
}

func TestOptimizeBackend_CullsOffCanvasAndTiny(t *testing.T) {
	doc := svg.New(256, 256)
	doc.Add(svg.Rect{X: 500, Y: 500, W: 40, H: 40, Fill: "#111111"})  // off canvas
	doc.Add(svg.Circle{CX: 100, CY: 100, R: 0.4, Fill: "#222222"})    // sub-pixel
	doc.Add(svg.Rect{X: 20, Y: 20, W: 120, H: 120, Fill: "#333333"}) // keeper

	ob := NewOptimizeBackend()
	params := datatypes.StageParameters{Iterations: 1, Resolution: 128, DetailLevel: 0.5, MaxPaths: 64}
	out, err := ob.Run(context.Background(), Input{Params: params, Base: doc})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out.ShapeCount() != 1 {
		t.Fatalf("ShapeCount() = %d, want 1 (off-canvas and tiny culled)", out.ShapeCount())
	}
}

func TestOptimizeBackend_DecimatesCollinearPoints(t *testing.T) {
	doc := svg.New(256, 256)
	pts := make([]svg.Point, 0, 21)
	for i := 0; i <= 20; i++ {
		pts = append(pts, svg.Point{X: float64(i) * 10, Y: 100})
	}
	doc.Add(svg.Polyline{Points: pts, Stroke: "#000000", StrokeWidth: 2})

	ob := NewOptimizeBackend()
	params := datatypes.StageParameters{Iterations: 2, Resolution: 64, DetailLevel: 1.0, MaxPaths: 64}
	out, err := ob.Run(context.Background(), Input{Params: params, Base: doc})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	pl, ok := out.Shapes[0].(svg.Polyline)
	if !ok {
		t.Fatalf("shape 0 is %T, want Polyline", out.Shapes[0])
	}
	if len(pl.Points) != 2 {
		t.Errorf("collinear polyline kept %d points, want 2", len(pl.Points))
	}
}

func TestOptimizeBackend_RequiresBase(t *testing.T) {
	ob := NewOptimizeBackend()
	if _, err := ob.Run(context.Background(), Input{}); err == nil {
		t.Fatal("expected error without a base document")
	}
}

func TestParseShapeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "plain json",
			content: `{"shapes":[{"kind":"circle","cx":10,"cy":10,"r":5,"fill":"#ff0000"}]}`,
			want:    1,
		},
		{
			name: "fenced json",
			content: "```json\n" +
				`{"shapes":[{"kind":"rect","x":1,"y":1,"w":10,"h":10,"fill":"#00ff00"},` +
				`{"kind":"line","x1":0,"y1":0,"x2":50,"y2":50,"stroke":"#0000ff"}]}` +
				"\n```",
			want: 2,
		},
		{
			name:    "unknown kinds dropped",
			content: `{"shapes":[{"kind":"text"},{"kind":"circle","cx":5,"cy":5,"r":2}]}`,
			want:    1,
		},
		{
			name:    "all invalid",
			content: `{"shapes":[{"kind":"rect","x":1,"y":1,"w":-5,"h":10}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			content: "here are some shapes for you",
			wantErr: true,
		},
		{
			name:    "far off canvas dropped",
			content: `{"shapes":[{"kind":"circle","cx":99999,"cy":5,"r":2}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shapes, err := parseShapeJSON(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseShapeJSON() error: %v", err)
			}
			if len(shapes) != tt.want {
				t.Errorf("parsed %d shapes, want %d", len(shapes), tt.want)
			}
		})
	}
}

func TestPaletteFor_Stable(t *testing.T) {
	seed := Seed("anything", "")
	if PaletteFor(seed) != PaletteFor(seed) {
		t.Error("PaletteFor must be stable for a seed")
	}
	p := PaletteFor(seed)
	if p.Background == "" || p.Primary == "" {
		t.Errorf("palette has empty colors: %+v", p)
	}
}
