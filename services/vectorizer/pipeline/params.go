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

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

// Default hard timeouts per stage. Config may override; the matrix
// applies them unchanged at every tier because a timeout is a safety
// bound, not a quality knob.
const (
	DefaultTemplateTimeout = 5 * time.Second
	DefaultDetailTimeout   = 120 * time.Second
	DefaultOptimizeTimeout = 30 * time.Second
)

// ParamsForTier returns the execution knobs for every stage at the
// given tier.
//
// # Description
//
// Pure lookup, complete for all three stages at every tier — skipped
// stages still get parameters so a later grant can run them without
// re-deriving anything. Tier scales iterations, sampling resolution,
// detail density, and path budgets; timeouts stay fixed per stage.
// Unknown tiers resolve to the low-tier set.
func ParamsForTier(tier resource.Tier) map[datatypes.Stage]datatypes.StageParameters {
	switch tier {
	case resource.TierHigh:
		return map[datatypes.Stage]datatypes.StageParameters{
			datatypes.StageTemplate: {
				Stage:       datatypes.StageTemplate,
				Iterations:  8,
				Resolution:  128,
				DetailLevel: 0.5,
				MaxPaths:    24,
				Timeout:     DefaultTemplateTimeout,
			},
			datatypes.StageDetail: {
				Stage:       datatypes.StageDetail,
				Iterations:  24,
				Resolution:  256,
				DetailLevel: 0.9,
				MaxPaths:    96,
				Timeout:     DefaultDetailTimeout,
			},
			datatypes.StageOptimize: {
				Stage:       datatypes.StageOptimize,
				Iterations:  3,
				Resolution:  256,
				DetailLevel: 0.9,
				MaxPaths:    64,
				Timeout:     DefaultOptimizeTimeout,
			},
		}

	case resource.TierMedium:
		return map[datatypes.Stage]datatypes.StageParameters{
			datatypes.StageTemplate: {
				Stage:       datatypes.StageTemplate,
				Iterations:  4,
				Resolution:  64,
				DetailLevel: 0.35,
				MaxPaths:    16,
				Timeout:     DefaultTemplateTimeout,
			},
			datatypes.StageDetail: {
				Stage:       datatypes.StageDetail,
				Iterations:  12,
				Resolution:  128,
				DetailLevel: 0.6,
				MaxPaths:    48,
				Timeout:     DefaultDetailTimeout,
			},
			datatypes.StageOptimize: {
				Stage:       datatypes.StageOptimize,
				Iterations:  2,
				Resolution:  128,
				DetailLevel: 0.7,
				MaxPaths:    32,
				Timeout:     DefaultOptimizeTimeout,
			},
		}

	default: // TierLow and anything unrecognized
		return map[datatypes.Stage]datatypes.StageParameters{
			datatypes.StageTemplate: {
				Stage:       datatypes.StageTemplate,
				Iterations:  2,
				Resolution:  32,
				DetailLevel: 0.2,
				MaxPaths:    8,
				Timeout:     DefaultTemplateTimeout,
			},
			datatypes.StageDetail: {
				Stage:       datatypes.StageDetail,
				Iterations:  4,
				Resolution:  64,
				DetailLevel: 0.3,
				MaxPaths:    24,
				Timeout:     DefaultDetailTimeout,
			},
			datatypes.StageOptimize: {
				Stage:       datatypes.StageOptimize,
				Iterations:  1,
				Resolution:  64,
				DetailLevel: 0.5,
				MaxPaths:    16,
				Timeout:     DefaultOptimizeTimeout,
			},
		}
	}
}

// ApplyTimeouts overlays configured per-stage timeouts onto a matrix
// row set. Zero values keep the defaults.
func ApplyTimeouts(params map[datatypes.Stage]datatypes.StageParameters, timeouts map[datatypes.Stage]time.Duration) {
	for stage, d := range timeouts {
		if d <= 0 {
			continue
		}
		p, ok := params[stage]
		if !ok {
			continue
		}
		p.Timeout = d
		params[stage] = p
	}
}
