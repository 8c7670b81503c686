// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource samples host capacity and classifies it into the
// coarse tiers the pipeline uses to select stage parameters. Sampling
// is best-effort: a failed probe is reported as a SamplingError and
// callers degrade to the low tier rather than refusing work.
package resource

import (
	"fmt"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a point-in-time view of host capacity. All percentages
// are 0..100. Accelerator fields are meaningful only when
// AccelAvailable is true.
type Snapshot struct {
	// CPUHeadroomPct is idle CPU as a percentage of total capacity.
	CPUHeadroomPct float64 `json:"cpu_headroom_pct"`

	// MemHeadroomPct is available RAM as a percentage of total.
	MemHeadroomPct float64 `json:"mem_headroom_pct"`

	// SwapUsedPct is swap in use as a percentage of configured swap.
	// Zero when the host has no swap.
	SwapUsedPct float64 `json:"swap_used_pct"`

	// AccelAvailable reports whether an accelerator was detected. A
	// missing accelerator is a configuration, not an error.
	AccelAvailable bool `json:"accel_available"`

	// AccelHeadroomPct is unused accelerator compute (100 - utilization).
	AccelHeadroomPct float64 `json:"accel_headroom_pct"`

	// AccelMemHeadroomPct is free accelerator memory as a percentage
	// of total, aggregated across devices.
	AccelMemHeadroomPct float64 `json:"accel_mem_headroom_pct"`

	// Timestamp is when the probe completed.
	Timestamp time.Time `json:"timestamp"`
}

// CapacityVector converts headroom percentages into the normalized
// 0..1 capacity vector the scheduler budgets stage costs against.
// Accelerator dimensions are zeroed when no accelerator is present, so
// any stage with a nonzero accelerator cost can never be admitted.
func (s Snapshot) CapacityVector() datatypes.ResourceVector {
	v := datatypes.ResourceVector{
		CPU: s.CPUHeadroomPct / 100,
		Mem: s.MemHeadroomPct / 100,
	}
	if s.AccelAvailable {
		v.Accel = s.AccelHeadroomPct / 100
		v.AccelMem = s.AccelMemHeadroomPct / 100
	}
	return v
}

// DefaultCapacityFloor is the conservative capacity assumed when
// sampling fails: enough to keep template-stage work moving, nothing
// that would admit accelerator stages blind.
func DefaultCapacityFloor() datatypes.ResourceVector {
	return datatypes.ResourceVector{CPU: 0.2, Mem: 0.2}
}

// =============================================================================
// Tiers
// =============================================================================

// Tier is a coarse bucket of available capacity. Stage parameter
// selection keys off the tier, never off raw percentages.
type Tier string

const (
	// TierLow: constrained host. Minimum iterations, lowest sampling
	// resolution, smallest path budgets.
	TierLow Tier = "low"

	// TierMedium: moderate headroom on every metric.
	TierMedium Tier = "medium"

	// TierHigh: ample headroom everywhere, swap essentially untouched.
	TierHigh Tier = "high"
)

// String returns the tier name.
func (t Tier) String() string { return string(t) }

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// rank orders tiers for min comparisons. Unknown tiers rank lowest.
func (t Tier) rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

func minTier(a, b Tier) Tier {
	if b.rank() < a.rank() {
		return b
	}
	return a
}

// =============================================================================
// Thresholds and Classification
// =============================================================================

// Thresholds are the per-metric tier cutoffs. Headroom metrics (CPU,
// memory, accelerator) tier upward: more headroom is better. Swap
// tiers downward: less usage is better.
type Thresholds struct {
	// HeadroomHigh: headroom strictly above this is high tier.
	HeadroomHigh float64 `json:"headroom_high" yaml:"headroom_high" validate:"gt=0,lte=100"`

	// HeadroomMedium: headroom strictly above this (and not high) is
	// medium tier.
	HeadroomMedium float64 `json:"headroom_medium" yaml:"headroom_medium" validate:"gte=0,lte=100"`

	// SwapHigh: swap usage strictly below this is high tier.
	SwapHigh float64 `json:"swap_high" yaml:"swap_high" validate:"gt=0,lte=100"`

	// SwapMedium: swap usage strictly below this (and not high) is
	// medium tier.
	SwapMedium float64 `json:"swap_medium" yaml:"swap_medium" validate:"gt=0,lte=100"`
}

// DefaultThresholds returns the stock cutoffs: headroom >60 high,
// >30 medium; swap used <10 high, <35 medium.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeadroomHigh:   60,
		HeadroomMedium: 30,
		SwapHigh:       10,
		SwapMedium:     35,
	}
}

// Validate checks internal ordering of the cutoffs.
func (th Thresholds) Validate() error {
	if th.HeadroomHigh <= th.HeadroomMedium {
		return fmt.Errorf("headroom_high (%.1f) must exceed headroom_medium (%.1f)", th.HeadroomHigh, th.HeadroomMedium)
	}
	if th.SwapMedium <= th.SwapHigh {
		return fmt.Errorf("swap_medium (%.1f) must exceed swap_high (%.1f)", th.SwapMedium, th.SwapHigh)
	}
	return nil
}

// Classify maps a snapshot to its capacity tier.
//
// # Description
//
// Pure and total: every snapshot classifies to exactly one tier with
// no I/O and no error path. Each metric tiers independently with
// strict inequalities, so a value sitting exactly on a cutoff resolves
// to the lower tier. The overall tier is the minimum across CPU,
// memory, and inverted swap; accelerator compute and memory join the
// minimum only when an accelerator is present.
//
// # Inputs
//
//   - snap: the capacity snapshot to classify.
//   - th: tier cutoffs, typically DefaultThresholds().
//
// # Outputs
//
//   - Tier: the most constrained metric's tier.
func Classify(snap Snapshot, th Thresholds) Tier {
	tier := headroomTier(snap.CPUHeadroomPct, th)
	tier = minTier(tier, headroomTier(snap.MemHeadroomPct, th))
	tier = minTier(tier, swapTier(snap.SwapUsedPct, th))
	if snap.AccelAvailable {
		tier = minTier(tier, headroomTier(snap.AccelHeadroomPct, th))
		tier = minTier(tier, headroomTier(snap.AccelMemHeadroomPct, th))
	}
	return tier
}

func headroomTier(pct float64, th Thresholds) Tier {
	switch {
	case pct > th.HeadroomHigh:
		return TierHigh
	case pct > th.HeadroomMedium:
		return TierMedium
	default:
		return TierLow
	}
}

func swapTier(pct float64, th Thresholds) Tier {
	switch {
	case pct < th.SwapHigh:
		return TierHigh
	case pct < th.SwapMedium:
		return TierMedium
	default:
		return TierLow
	}
}

// =============================================================================
// Errors
// =============================================================================

// SamplingError reports a failed capacity probe. It is non-fatal by
// contract: callers degrade to TierLow with a conservative capacity
// floor instead of refusing work.
type SamplingError struct {
	Cause error
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("resource sampling failed: %v", e.Cause)
}

func (e *SamplingError) Unwrap() error { return e.Cause }
