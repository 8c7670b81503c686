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
	"testing"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

func TestFallbackGenerator_Deterministic(t *testing.T) {
	g := NewFallbackGenerator()
	first := g.Generate("a red fox in tall grass", "flat")
	second := g.Generate("a red fox in tall grass", "flat")

	if first.SVG != second.SVG {
		t.Error("Expected identical SVG for identical prompt and style")
	}
	if first.Doc.ShapeCount() != second.Doc.ShapeCount() {
		t.Errorf("Shape counts differ: %d vs %d", first.Doc.ShapeCount(), second.Doc.ShapeCount())
	}
}

func TestFallbackGenerator_DistinguishesInputs(t *testing.T) {
	g := NewFallbackGenerator()
	base := g.Generate("a red fox in tall grass", "flat")

	if other := g.Generate("a blue heron over water", "flat"); other.SVG == base.SVG {
		t.Error("Expected different prompts to produce different SVG")
	}
	if other := g.Generate("a red fox in tall grass", "line-art"); other.SVG == base.SVG {
		t.Error("Expected different styles to produce different SVG")
	}
}

func TestFallbackGenerator_ArtifactIsUsable(t *testing.T) {
	art := NewFallbackGenerator().Generate("a lighthouse on a cliff", "geometric")

	if art.Backend != FallbackBackendName {
		t.Errorf("Backend = %s, want %s", art.Backend, FallbackBackendName)
	}
	if art.Stage != datatypes.StageTemplate {
		t.Errorf("Stage = %s, want template", art.Stage)
	}
	if art.SVG == "" {
		t.Error("Expected rendered SVG content")
	}
	if art.Doc == nil {
		t.Fatal("Expected a live document for raster previews")
	}
	// The frame and accent dot are unconditional; monogram cells
	// depend on the seed.
	if art.Doc.ShapeCount() < 2 {
		t.Errorf("ShapeCount = %d, want at least the frame and accent dot", art.Doc.ShapeCount())
	}

	img := art.Doc.Rasterize(32, 32)
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Errorf("Raster bounds = %v, want 32x32", img.Bounds())
	}
}
