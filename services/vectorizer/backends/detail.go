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
	"fmt"
	"math"
	"math/rand"

	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// ProceduralDetailBackend enhances a template locally: texture
// hatching, accent discs, and contour strokes derived from the
// template's own geometry. The default detail backend when no
// generative endpoint is configured.
type ProceduralDetailBackend struct{}

var _ Backend = (*ProceduralDetailBackend)(nil)

func NewProceduralDetailBackend() *ProceduralDetailBackend { return &ProceduralDetailBackend{} }

func (b *ProceduralDetailBackend) Name() string { return "detail-procedural" }

// Run clones the base document and layers detail onto it. Density
// scales with Params.DetailLevel, element count with
// Params.Iterations, and everything stays under Params.MaxPaths.
func (b *ProceduralDetailBackend) Run(ctx context.Context, in Input) (*svg.Document, error) {
	if in.Base == nil {
		return nil, fmt.Errorf("detail stage requires a template document")
	}

	seed := Seed(in.Prompt, in.Style)
	pal := PaletteFor(seed)
	// Offset the stream so detail placement doesn't mirror template placement.
	rng := rand.New(rand.NewSource(seed ^ 0x5f3759df))

	doc := in.Base.Clone()
	baseShapes := append([]svg.Shape(nil), doc.Shapes...)
	if len(baseShapes) == 0 {
		return doc, nil
	}

	maxPaths := in.Params.MaxPaths
	if maxPaths <= doc.ShapeCount() {
		return doc, nil
	}

	detail := in.Params.DetailLevel
	if detail <= 0 {
		detail = 0.1
	}
	perIteration := int(math.Ceil(detail * 6))

	iterations := in.Params.Iterations
	if iterations < 1 {
		iterations = 1
	}

	grid := float64(in.Params.Resolution)
	if grid < 8 {
		grid = 8
	}
	step := Canvas / grid

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := 0; j < perIteration && doc.ShapeCount() < maxPaths; j++ {
			anchor := baseShapes[rng.Intn(len(baseShapes))].Bounds()
			switch rng.Intn(3) {
			case 0:
				addAccent(doc, rng, pal, anchor, step)
			case 1:
				addHatch(doc, rng, pal, anchor, step)
			default:
				addContour(doc, rng, pal, anchor, step)
			}
		}
	}
	return doc, nil
}

// addAccent drops a small disc just inside the anchor's extent.
func addAccent(doc *svg.Document, rng *rand.Rand, pal Palette, bb svg.Bounds, step float64) {
	w, h := bb.MaxX-bb.MinX, bb.MaxY-bb.MinY
	if w <= 0 || h <= 0 {
		return
	}
	doc.Add(svg.Circle{
		CX:   quant(bb.MinX+rng.Float64()*w, step),
		CY:   quant(bb.MinY+rng.Float64()*h, step),
		R:    math.Max(2, quant(math.Min(w, h)*0.06, step/2)),
		Fill: pal.Accent,
	})
}

// addHatch lays short parallel strokes across a corner of the anchor.
func addHatch(doc *svg.Document, rng *rand.Rand, pal Palette, bb svg.Bounds, step float64) {
	w, h := bb.MaxX-bb.MinX, bb.MaxY-bb.MinY
	if w <= 0 || h <= 0 {
		return
	}
	x0 := quant(bb.MinX+rng.Float64()*w*0.6, step)
	y0 := quant(bb.MinY+rng.Float64()*h*0.6, step)
	span := math.Max(step, math.Min(w, h)*0.25)
	lines := 2 + rng.Intn(3)
	for i := 0; i < lines; i++ {
		off := float64(i) * step / 2
		doc.Add(svg.Line{
			X1: x0 + off, Y1: y0,
			X2: x0 + off + span*0.5, Y2: y0 + span,
			Stroke: pal.Line, StrokeWidth: 1,
		})
	}
}

// addContour traces a jittered polyline along one edge of the anchor.
func addContour(doc *svg.Document, rng *rand.Rand, pal Palette, bb svg.Bounds, step float64) {
	w := bb.MaxX - bb.MinX
	if w <= 0 {
		return
	}
	y := bb.MinY
	if rng.Intn(2) == 1 {
		y = bb.MaxY
	}
	segs := 3 + rng.Intn(3)
	pts := make([]svg.Point, 0, segs+1)
	for i := 0; i <= segs; i++ {
		pts = append(pts, svg.Point{
			X: quant(bb.MinX+w*float64(i)/float64(segs), step),
			Y: quant(y+(rng.Float64()-0.5)*step*2, step/2),
		})
	}
	doc.Add(svg.Polyline{Points: pts, Stroke: pal.Secondary, StrokeWidth: 1.5})
}

func quant(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}
