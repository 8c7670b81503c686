// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"math"
	"sort"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

// GreedySolver is the mandatory fallback solver: it admits
// (request, stage) pairs in descending quality-per-cost order while
// every resource dimension still fits, honoring dependency order
// within the cycle. It never errors and never blocks, so the
// scheduler can always produce a decision.
//
// Ordering rules, in precedence:
//
//  1. QualityWeight / Cost.Scalar() descending (zero-cost stages with
//     positive weight sort first).
//  2. Fewer completed stages first, so no request starves while
//     another collects its full chain.
//  3. Higher request priority.
//  4. Earlier submission, then request ID, for determinism.
type GreedySolver struct{}

var _ Solver = GreedySolver{}

// Name identifies the greedy solver in logs and metrics.
func (GreedySolver) Name() string { return "greedy" }

// Solve produces the greedy assignment. The returned error is always
// nil; an empty assignment means nothing fit this cycle.
func (GreedySolver) Solve(_ context.Context, p Problem) (Assignment, error) {
	type candidate struct {
		idx   int
		stage datatypes.Stage
		ratio float64
	}

	cands := make([]candidate, 0, len(p.Requests)*2)
	for i := range p.Requests {
		for _, st := range p.Requests[i].Eligible {
			spec, ok := p.Specs[st]
			if !ok {
				continue
			}
			cands = append(cands, candidate{idx: i, stage: st, ratio: qualityPerCost(spec)})
		}
	}

	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.ratio != cb.ratio {
			return ca.ratio > cb.ratio
		}
		ra, rb := p.Requests[ca.idx], p.Requests[cb.idx]
		if ra.CompletedCount() != rb.CompletedCount() {
			return ra.CompletedCount() < rb.CompletedCount()
		}
		if ra.Priority != rb.Priority {
			return ra.Priority > rb.Priority
		}
		if !ra.EnqueuedAt.Equal(rb.EnqueuedAt) {
			return ra.EnqueuedAt.Before(rb.EnqueuedAt)
		}
		return ra.RequestID < rb.RequestID
	})

	out := Assignment{Stages: make(map[string][]datatypes.Stage)}
	avail := p.Available
	granted := make([]map[datatypes.Stage]bool, len(p.Requests))

	// Repeated passes let a stage chain onto a dependency granted later
	// in ratio order within the same cycle (optimize sorts above detail
	// under the default weights but can only follow it). Each pass
	// admits at least one pair or the loop ends, so it terminates.
	for progressed := true; progressed; {
		progressed = false
		for _, c := range cands {
			req := p.Requests[c.idx]
			if granted[c.idx][c.stage] {
				continue
			}
			spec := p.Specs[c.stage]
			if dep := spec.DependsOn; dep != "" && !req.HasCompleted(dep) && !granted[c.idx][dep] {
				continue
			}
			if len(out.Stages[req.RequestID]) == 0 &&
				p.MaxRequests > 0 && len(out.Stages) >= p.MaxRequests {
				continue
			}
			if !spec.Cost.Fits(avail) {
				continue
			}

			avail = avail.Sub(spec.Cost)
			if granted[c.idx] == nil {
				granted[c.idx] = make(map[datatypes.Stage]bool, 3)
			}
			granted[c.idx][c.stage] = true
			out.Stages[req.RequestID] = append(out.Stages[req.RequestID], c.stage)
			progressed = true
		}
	}

	return out, nil
}

// qualityPerCost is the greedy objective ratio for one stage.
func qualityPerCost(spec datatypes.StageSpec) float64 {
	scalar := spec.Cost.Scalar()
	if scalar <= 0 {
		if spec.QualityWeight > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return spec.QualityWeight / scalar
}
