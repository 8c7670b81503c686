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
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/backends"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// FallbackBackendName marks artifacts produced by the bypass path.
const FallbackBackendName = "fallback"

// monogramGrid is the cell count per axis of the fallback's centered
// identicon block. Cells mirror left-to-right so every output is
// symmetric.
const monogramGrid = 5

// FallbackGenerator composes a deterministic placeholder: the prompt's
// hash seeds a palette and a symmetric monogram block. Pure local
// shape composition; it cannot fail and needs no scheduling. Used for
// circuit-open bypass, queue-wait force-out, and irrecoverable
// per-request failure.
type FallbackGenerator struct{}

func NewFallbackGenerator() *FallbackGenerator { return &FallbackGenerator{} }

// Generate builds the fallback artifact. The same prompt and style
// always produce the same document.
func (g *FallbackGenerator) Generate(prompt, style string) *datatypes.Artifact {
	seed := backends.Seed(prompt, style)
	pal := backends.PaletteFor(seed)

	const canvas = backends.Canvas
	doc := svg.New(canvas, canvas)
	doc.Background = pal.Background
	doc.Title = prompt

	// Frame.
	margin := canvas * 0.06
	doc.Add(svg.Rect{
		X: margin, Y: margin,
		W: canvas - 2*margin, H: canvas - 2*margin,
		Fill: pal.Background, Stroke: pal.Line, StrokeWidth: 2,
	})

	// Mirrored monogram block in the center. Each cell is on when its
	// bit of the hash is set; columns mirror around the middle one.
	block := canvas * 0.5
	cell := block / monogramGrid
	origin := (canvas - block) / 2
	bits := uint64(seed)
	half := monogramGrid/2 + 1
	for row := 0; row < monogramGrid; row++ {
		for col := 0; col < half; col++ {
			bit := bits >> (uint(row*half+col) % 63) & 1
			if bit == 0 {
				continue
			}
			fill := pal.Primary
			if (row+col)%2 == 1 {
				fill = pal.Secondary
			}
			doc.Add(svg.Rect{
				X: origin + float64(col)*cell, Y: origin + float64(row)*cell,
				W: cell, H: cell, Fill: fill,
			})
			if mirror := monogramGrid - 1 - col; mirror != col {
				doc.Add(svg.Rect{
					X: origin + float64(mirror)*cell, Y: origin + float64(row)*cell,
					W: cell, H: cell, Fill: fill,
				})
			}
		}
	}

	// Accent dot keyed off the high bits so visually similar prompts
	// still separate.
	corner := canvas * 0.14
	doc.Add(svg.Circle{
		CX:   corner + float64((seed>>56)&0x3)*4,
		CY:   corner,
		R:    canvas * 0.03,
		Fill: pal.Accent,
	})

	return &datatypes.Artifact{
		Stage:     datatypes.StageTemplate,
		SVG:       doc.Render(),
		Doc:       doc,
		Backend:   FallbackBackendName,
		CreatedAt: time.Now(),
	}
}
