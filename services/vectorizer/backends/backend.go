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
	"hash/fnv"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

// Canvas is the fixed logical canvas all backends compose on. Raster
// previews scale from it, so the value only sets coordinate precision.
const Canvas = 256.0

// Input carries everything a backend needs for one stage run. Base is
// the previous stage's document (nil for the template stage); backends
// must clone it before mutating.
type Input struct {
	Prompt string
	Style  string
	Params datatypes.StageParameters
	Base   *svg.Document
}

// Backend generates or transforms a vector document for one stage.
type Backend interface {
	Name() string
	Run(ctx context.Context, in Input) (*svg.Document, error)
}

// Seed derives the deterministic seed shared by the local backends:
// the same prompt and style always compose the same document.
func Seed(prompt, style string) int64 {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(style))
	return int64(h.Sum64())
}

// Palette is a coherent set of colors for one document.
type Palette struct {
	Background string
	Primary    string
	Secondary  string
	Accent     string
	Line       string
}

// palettes are hand-picked to look reasonable on any archetype.
var palettes = []Palette{
	{Background: "#f4f1ea", Primary: "#2a6f77", Secondary: "#e8a87c", Accent: "#c38d9e", Line: "#41444b"},
	{Background: "#1b1f2a", Primary: "#e4b363", Secondary: "#ef6461", Accent: "#7d8cc4", Line: "#dfe0e2"},
	{Background: "#fdfaf6", Primary: "#5a7d7c", Secondary: "#a8c686", Accent: "#d64550", Line: "#232c33"},
	{Background: "#22223b", Primary: "#9a8c98", Secondary: "#c9ada7", Accent: "#f2e9e4", Line: "#4a4e69"},
	{Background: "#e8f1f2", Primary: "#006494", Secondary: "#13293d", Accent: "#f26419", Line: "#247ba0"},
	{Background: "#fff8e7", Primary: "#6b4226", Secondary: "#d9a679", Accent: "#8c2f39", Line: "#3a2618"},
	{Background: "#0d1b2a", Primary: "#415a77", Secondary: "#778da9", Accent: "#e0e1dd", Line: "#1b263b"},
	{Background: "#f7f3e3", Primary: "#6a8d73", Secondary: "#f4b393", Accent: "#595358", Line: "#2f3e46"},
}

// PaletteFor picks the seed's palette. Exported so the fallback
// generator composes with the same colors the pipeline would have.
func PaletteFor(seed int64) Palette {
	idx := int(uint64(seed) % uint64(len(palettes)))
	return palettes[idx]
}
