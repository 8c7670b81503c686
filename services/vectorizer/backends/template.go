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
	"math"
	"math/rand"

	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// archetype selects the overall composition of a template.
type archetype int

const (
	archetypeBadge archetype = iota
	archetypeLandscape
	archetypeIcon
	archetypeAbstract
	archetypeCount
)

// archetypeForStyle maps recognized style tokens to archetypes; any
// other token falls through to the hash pick.
var archetypeForStyle = map[string]archetype{
	"badge":     archetypeBadge,
	"emblem":    archetypeBadge,
	"landscape": archetypeLandscape,
	"scene":     archetypeLandscape,
	"icon":      archetypeIcon,
	"glyph":     archetypeIcon,
	"abstract":  archetypeAbstract,
	"geometric": archetypeAbstract,
}

// TemplateBackend synthesizes the structural template: background,
// dominant forms, and guide lines the detail stage builds on. Pure
// local composition, deterministic for a given prompt and style.
type TemplateBackend struct{}

var _ Backend = (*TemplateBackend)(nil)

func NewTemplateBackend() *TemplateBackend { return &TemplateBackend{} }

func (b *TemplateBackend) Name() string { return "template-procedural" }

// Run composes Params.Iterations candidate layouts and keeps the one
// with the best coverage balance. Candidates differ only in rng
// stream position, so the choice is deterministic.
func (b *TemplateBackend) Run(ctx context.Context, in Input) (*svg.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := Seed(in.Prompt, in.Style)
	pal := PaletteFor(seed)
	arch := pickArchetype(in.Style, seed)
	rng := rand.New(rand.NewSource(seed))

	iterations := in.Params.Iterations
	if iterations < 1 {
		iterations = 1
	}

	best := composeTemplate(rng, pal, arch, in)
	bestScore := layoutScore(best)
	for i := 1; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand := composeTemplate(rng, pal, arch, in)
		if score := layoutScore(cand); score > bestScore {
			best, bestScore = cand, score
		}
	}

	best.Title = in.Prompt
	return best, nil
}

func pickArchetype(style string, seed int64) archetype {
	if a, ok := archetypeForStyle[style]; ok {
		return a
	}
	return archetype(uint64(seed>>8) % uint64(archetypeCount))
}

// layoutScore rewards layouts whose ink covers a moderate share of the
// canvas with a centroid near the middle. Scores are comparable only
// between candidates of the same input.
func layoutScore(doc *svg.Document) float64 {
	if doc.ShapeCount() == 0 {
		return 0
	}
	var area, cx, cy float64
	for _, s := range doc.Shapes {
		bb := s.Bounds()
		a := (bb.MaxX - bb.MinX) * (bb.MaxY - bb.MinY)
		area += a
		cx += (bb.MinX + bb.MaxX) / 2 * a
		cy += (bb.MinY + bb.MaxY) / 2 * a
	}
	if area == 0 {
		return 0
	}
	cx /= area
	cy /= area

	coverage := area / (Canvas * Canvas)
	coverageScore := 1 - math.Abs(coverage-0.45)
	centerDist := math.Hypot(cx-Canvas/2, cy-Canvas/2) / Canvas
	return coverageScore - centerDist
}

func composeTemplate(rng *rand.Rand, pal Palette, arch archetype, in Input) *svg.Document {
	doc := svg.New(Canvas, Canvas)
	doc.Background = pal.Background

	grid := float64(in.Params.Resolution)
	if grid < 8 {
		grid = 8
	}
	snap := func(v float64) float64 {
		step := Canvas / grid
		return math.Round(v/step) * step
	}

	maxShapes := in.Params.MaxPaths
	if maxShapes < 4 {
		maxShapes = 4
	}

	switch arch {
	case archetypeBadge:
		composeBadge(doc, rng, pal, snap, maxShapes)
	case archetypeLandscape:
		composeLandscape(doc, rng, pal, snap, maxShapes)
	case archetypeIcon:
		composeIcon(doc, rng, pal, snap, maxShapes)
	default:
		composeAbstract(doc, rng, pal, snap, maxShapes)
	}
	return doc
}

func composeBadge(doc *svg.Document, rng *rand.Rand, pal Palette, snap func(float64) float64, maxShapes int) {
	c := Canvas / 2
	outer := snap(Canvas*0.36 + rng.Float64()*Canvas*0.06)
	doc.Add(svg.Circle{CX: c, CY: c, R: outer, Fill: pal.Primary})
	doc.Add(svg.Circle{CX: c, CY: c, R: snap(outer * 0.82), Fill: pal.Background, Stroke: pal.Line, StrokeWidth: 2})
	doc.Add(svg.Circle{CX: c, CY: c, R: snap(outer * 0.58), Fill: pal.Secondary})

	// Ribbon bar under the medallion.
	barH := snap(Canvas * 0.09)
	doc.Add(svg.Rect{
		X: snap(Canvas * 0.18), Y: snap(Canvas*0.78 - barH/2),
		W: snap(Canvas * 0.64), H: barH,
		Fill: pal.Accent,
	})

	// Radial studs around the ring, budget permitting.
	studs := 6 + rng.Intn(4)
	for i := 0; i < studs && doc.ShapeCount() < maxShapes; i++ {
		angle := 2 * math.Pi * float64(i) / float64(studs)
		doc.Add(svg.Circle{
			CX:   snap(c + math.Cos(angle)*outer*0.92),
			CY:   snap(c + math.Sin(angle)*outer*0.92),
			R:    3,
			Fill: pal.Line,
		})
	}
}

func composeLandscape(doc *svg.Document, rng *rand.Rand, pal Palette, snap func(float64) float64, maxShapes int) {
	horizon := snap(Canvas * (0.55 + rng.Float64()*0.15))
	doc.Add(svg.Rect{X: 0, Y: horizon, W: Canvas, H: Canvas - horizon, Fill: pal.Secondary})

	// Sun or moon disc.
	doc.Add(svg.Circle{
		CX:   snap(Canvas * (0.25 + rng.Float64()*0.5)),
		CY:   snap(horizon * (0.3 + rng.Float64()*0.3)),
		R:    snap(Canvas * 0.09),
		Fill: pal.Accent,
	})

	// Ridgeline as a closed path down to the horizon.
	ridges := 4 + rng.Intn(3)
	pts := make([]svg.Point, 0, ridges+2)
	pts = append(pts, svg.Point{X: 0, Y: horizon})
	for i := 1; i <= ridges; i++ {
		pts = append(pts, svg.Point{
			X: snap(Canvas * float64(i) / float64(ridges+1)),
			Y: snap(horizon - Canvas*(0.08+rng.Float64()*0.22)),
		})
	}
	pts = append(pts, svg.Point{X: Canvas, Y: horizon})
	doc.Add(svg.Path{Points: pts, Closed: true, Fill: pal.Primary})

	if doc.ShapeCount() < maxShapes {
		doc.Add(svg.Line{
			X1: 0, Y1: horizon, X2: Canvas, Y2: horizon,
			Stroke: pal.Line, StrokeWidth: 1.5,
		})
	}
}

func composeIcon(doc *svg.Document, rng *rand.Rand, pal Palette, snap func(float64) float64, maxShapes int) {
	// Rounded-feel plate via stacked rects.
	margin := snap(Canvas * 0.12)
	doc.Add(svg.Rect{X: margin, Y: margin, W: Canvas - 2*margin, H: Canvas - 2*margin, Fill: pal.Primary})
	inset := snap(Canvas * 0.2)
	doc.Add(svg.Rect{X: inset, Y: inset, W: Canvas - 2*inset, H: Canvas - 2*inset, Fill: pal.Background})

	// Central mark: ellipse or diamond.
	c := Canvas / 2
	if rng.Intn(2) == 0 {
		doc.Add(svg.Ellipse{CX: c, CY: c, RX: snap(Canvas * 0.18), RY: snap(Canvas * 0.12), Fill: pal.Accent})
	} else {
		r := snap(Canvas * 0.17)
		doc.Add(svg.Path{
			Points: []svg.Point{{X: c, Y: c - r}, {X: c + r, Y: c}, {X: c, Y: c + r}, {X: c - r, Y: c}},
			Closed: true,
			Fill:   pal.Accent,
		})
	}

	// Corner ticks.
	tick := snap(Canvas * 0.05)
	corners := [][2]float64{{margin, margin}, {Canvas - margin, margin}, {margin, Canvas - margin}, {Canvas - margin, Canvas - margin}}
	for _, cn := range corners {
		if doc.ShapeCount() >= maxShapes {
			break
		}
		doc.Add(svg.Line{X1: cn[0] - tick, Y1: cn[1], X2: cn[0] + tick, Y2: cn[1], Stroke: pal.Line, StrokeWidth: 2})
	}
}

func composeAbstract(doc *svg.Document, rng *rand.Rand, pal Palette, snap func(float64) float64, maxShapes int) {
	fills := []string{pal.Primary, pal.Secondary, pal.Accent}
	blocks := 3 + rng.Intn(3)
	for i := 0; i < blocks && doc.ShapeCount() < maxShapes; i++ {
		w := snap(Canvas * (0.15 + rng.Float64()*0.35))
		h := snap(Canvas * (0.15 + rng.Float64()*0.35))
		doc.Add(svg.Rect{
			X: snap(rng.Float64() * (Canvas - w)), Y: snap(rng.Float64() * (Canvas - h)),
			W: w, H: h,
			Fill: fills[i%len(fills)],
		})
	}
	discs := 2 + rng.Intn(3)
	for i := 0; i < discs && doc.ShapeCount() < maxShapes; i++ {
		doc.Add(svg.Circle{
			CX:   snap(Canvas * rng.Float64()),
			CY:   snap(Canvas * rng.Float64()),
			R:    snap(Canvas * (0.05 + rng.Float64()*0.12)),
			Fill: fills[(i+1)%len(fills)],
		})
	}
	if doc.ShapeCount() < maxShapes {
		doc.Add(svg.Line{
			X1: 0, Y1: snap(Canvas * rng.Float64()),
			X2: Canvas, Y2: snap(Canvas * rng.Float64()),
			Stroke: pal.Line, StrokeWidth: 2,
		})
	}
}
