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
	"sort"
	"strings"

	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// OptimizeBackend reduces a document without changing its look from a
// distance: coordinate quantization, duplicate and off-canvas culling,
// point decimation on polylines and paths, and a hard shape budget.
type OptimizeBackend struct{}

var _ Backend = (*OptimizeBackend)(nil)

func NewOptimizeBackend() *OptimizeBackend { return &OptimizeBackend{} }

func (b *OptimizeBackend) Name() string { return "optimize-local" }

// Run applies the reduction passes in order. Params.DetailLevel is the
// preservation fraction: lower tiers preserve less, culling harder.
// Params.Iterations repeats point decimation with a widening tolerance.
func (b *OptimizeBackend) Run(ctx context.Context, in Input) (*svg.Document, error) {
	if in.Base == nil {
		return nil, fmt.Errorf("optimize stage requires an input document")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := in.Base.Clone()

	grid := float64(in.Params.Resolution)
	if grid < 8 {
		grid = 8
	}
	step := Canvas / grid

	preserve := in.Params.DetailLevel
	if preserve <= 0 || preserve > 1 {
		preserve = 0.7
	}

	shapes := doc.Shapes
	shapes = cullOffCanvas(shapes, float64(doc.Width), float64(doc.Height))
	shapes = cullTiny(shapes, minKeepArea(preserve))
	shapes = quantizeShapes(shapes, step)

	iterations := in.Params.Iterations
	if iterations < 1 {
		iterations = 1
	}
	for i := 1; i <= iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		shapes = decimatePoints(shapes, step*float64(i))
	}

	shapes = dedupShapes(shapes)
	shapes = capShapes(shapes, in.Params.MaxPaths)

	doc.Shapes = shapes
	return doc, nil
}

// minKeepArea maps the preservation fraction onto the smallest shape
// area worth keeping: preserve 1.0 keeps everything above 1px², 0.5
// culls below ~33px².
func minKeepArea(preserve float64) float64 {
	return 1 + (1-preserve)*64
}

func shapeArea(s svg.Shape) float64 {
	bb := s.Bounds()
	w, h := bb.MaxX-bb.MinX, bb.MaxY-bb.MinY
	if w < 0 || h < 0 {
		return 0
	}
	// Strokes have zero-area bounds in one axis; weight by length so
	// long guide lines survive area culling.
	if w == 0 || h == 0 {
		return math.Max(w, h)
	}
	return w * h
}

func cullOffCanvas(shapes []svg.Shape, width, height float64) []svg.Shape {
	kept := shapes[:0]
	for _, s := range shapes {
		bb := s.Bounds()
		if bb.MaxX < 0 || bb.MaxY < 0 || bb.MinX > width || bb.MinY > height {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func cullTiny(shapes []svg.Shape, minArea float64) []svg.Shape {
	kept := shapes[:0]
	for _, s := range shapes {
		if shapeArea(s) < minArea {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// quantizeShapes snaps coordinates to the grid so near-identical
// shapes become exactly identical for the dedup pass.
func quantizeShapes(shapes []svg.Shape, step float64) []svg.Shape {
	out := shapes[:0]
	for _, s := range shapes {
		out = append(out, quantizeShape(s, step))
	}
	return out
}

func quantizeShape(s svg.Shape, step float64) svg.Shape {
	switch v := s.(type) {
	case svg.Rect:
		v.X, v.Y = quant(v.X, step), quant(v.Y, step)
		v.W, v.H = math.Max(step, quant(v.W, step)), math.Max(step, quant(v.H, step))
		return v
	case svg.Circle:
		v.CX, v.CY = quant(v.CX, step), quant(v.CY, step)
		v.R = math.Max(1, quant(v.R, step/2))
		return v
	case svg.Ellipse:
		v.CX, v.CY = quant(v.CX, step), quant(v.CY, step)
		v.RX = math.Max(1, quant(v.RX, step/2))
		v.RY = math.Max(1, quant(v.RY, step/2))
		return v
	case svg.Line:
		v.X1, v.Y1 = quant(v.X1, step), quant(v.Y1, step)
		v.X2, v.Y2 = quant(v.X2, step), quant(v.Y2, step)
		return v
	case svg.Polyline:
		v.Points = quantPoints(v.Points, step)
		return v
	case svg.Path:
		v.Points = quantPoints(v.Points, step)
		return v
	}
	return s
}

func quantPoints(pts []svg.Point, step float64) []svg.Point {
	out := make([]svg.Point, len(pts))
	for i, p := range pts {
		out[i] = svg.Point{X: quant(p.X, step), Y: quant(p.Y, step)}
	}
	return out
}

// decimatePoints drops interior points of polylines and paths that
// sit within tolerance of their neighbors' straight line. Endpoints
// always survive.
func decimatePoints(shapes []svg.Shape, tolerance float64) []svg.Shape {
	out := shapes[:0]
	for _, s := range shapes {
		switch v := s.(type) {
		case svg.Polyline:
			v.Points = decimate(v.Points, tolerance)
			out = append(out, v)
		case svg.Path:
			v.Points = decimate(v.Points, tolerance)
			out = append(out, v)
		default:
			out = append(out, s)
		}
	}
	return out
}

func decimate(pts []svg.Point, tolerance float64) []svg.Point {
	if len(pts) <= 2 {
		return pts
	}
	kept := make([]svg.Point, 0, len(pts))
	kept = append(kept, pts[0])
	for i := 1; i < len(pts)-1; i++ {
		if pointSegmentDist(pts[i], pts[i-1], pts[i+1]) > tolerance {
			kept = append(kept, pts[i])
		}
	}
	kept = append(kept, pts[len(pts)-1])
	return kept
}

func pointSegmentDist(p, a, b svg.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

// dedupShapes removes exact duplicates by rendered form, keeping the
// first occurrence so paint order is stable.
func dedupShapes(shapes []svg.Shape) []svg.Shape {
	seen := make(map[string]struct{}, len(shapes))
	kept := shapes[:0]
	var b strings.Builder
	for _, s := range shapes {
		b.Reset()
		s.Render(&b)
		key := b.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, s)
	}
	return kept
}

// capShapes enforces the path budget, preferring large shapes but
// preserving the original paint order of the survivors.
func capShapes(shapes []svg.Shape, maxPaths int) []svg.Shape {
	if maxPaths <= 0 || len(shapes) <= maxPaths {
		return shapes
	}
	type ranked struct {
		idx  int
		area float64
	}
	byArea := make([]ranked, len(shapes))
	for i, s := range shapes {
		byArea[i] = ranked{idx: i, area: shapeArea(s)}
	}
	sort.Slice(byArea, func(i, j int) bool { return byArea[i].area > byArea[j].area })

	keep := make(map[int]struct{}, maxPaths)
	for _, r := range byArea[:maxPaths] {
		keep[r.idx] = struct{}{}
	}

	kept := make([]svg.Shape, 0, maxPaths)
	for i, s := range shapes {
		if _, ok := keep[i]; ok {
			kept = append(kept, s)
		}
	}
	return kept
}
