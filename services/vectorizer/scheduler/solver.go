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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

// ErrInfeasible reports that a solver found no assignment satisfying
// the problem's constraints. Non-fatal: the scheduler falls back to
// the greedy solver, which always produces a (possibly empty)
// assignment.
var ErrInfeasible = errors.New("no feasible assignment")

// RequestState is one pending request's view inside a Problem:
// what it has already produced and what it still wants.
//
// # Fields
//
//   - RequestID: the request the state belongs to.
//   - Priority: 0..9 scheduling tie-breaker, higher first.
//   - Completed: stages holding artifacts, in dependency order. Fixed
//     at 1 in the objective; never re-optimized.
//   - Eligible: remaining stages that could still run some cycle, in
//     dependency order. Stages whose dependency chain is permanently
//     blocked (an accelerator stage on a host without one) are pruned.
//   - Requeues: times the request re-entered the queue after a grant.
//   - EnqueuedAt: original submission time, for FIFO tie-breaking.
type RequestState struct {
	RequestID  string
	Priority   int
	Completed  []datatypes.Stage
	Eligible   []datatypes.Stage
	Requeues   int
	EnqueuedAt time.Time
}

// CompletedCount returns how many stages the request has finished.
func (r RequestState) CompletedCount() int { return len(r.Completed) }

// HasCompleted reports whether the given stage already holds an
// artifact for this request.
func (r RequestState) HasCompleted(s datatypes.Stage) bool {
	for _, c := range r.Completed {
		if c == s {
			return true
		}
	}
	return false
}

// Problem is one cycle's constrained-assignment input: maximize
// Σ QualityWeight[j]·x[i,j] over binary stage grants x[i,j], subject
// to per-resource capacity and per-request dependency constraints.
//
// The struct is a self-contained copy: solvers may not reach back into
// the scheduler, and the scheduler revalidates liveness of every
// request before applying an assignment.
type Problem struct {
	// Cycle is the scheduling cycle the problem belongs to.
	Cycle uint64

	// Tier is the resource tier classified from this cycle's snapshot.
	Tier resource.Tier

	// Available is the cycle's admissible capacity: sampled headroom
	// minus in-flight reservations, accelerator dimensions zeroed when
	// no accelerator is present.
	Available datatypes.ResourceVector

	// Specs holds the per-stage quality weights and cost vectors.
	Specs map[datatypes.Stage]datatypes.StageSpec

	// Requests are the pending requests, ordered by submission time.
	Requests []RequestState

	// MaxRequests caps how many distinct requests may receive a grant
	// this cycle. Zero means unlimited.
	MaxRequests int
}

// Solver produces a stage assignment for one cycle's problem.
//
// Implementations:
//   - GreedySolver: ratio-ordered admission, always available, never
//     errors (the mandatory fallback).
//   - External LP/ILP bridges may be plugged in as the primary;
//     scheduling correctness never depends on their availability.
type Solver interface {
	// Name returns the solver identifier for logging/metrics.
	Name() string

	// Solve produces an Assignment for the problem. ErrInfeasible (or
	// any other error) routes the cycle to the greedy fallback.
	Solve(ctx context.Context, p Problem) (Assignment, error)
}

// Assignment maps request IDs to the stages granted this cycle, in
// dependency order per request. Requests absent from the map stay
// queued.
type Assignment struct {
	Stages map[string][]datatypes.Stage
}

// Grants returns the total number of stage grants in the assignment.
func (a Assignment) Grants() int {
	n := 0
	for _, stages := range a.Stages {
		n += len(stages)
	}
	return n
}

// check validates an assignment against the problem's capacity and
// dependency constraints. Used to vet primary-solver output before any
// capacity is reserved; a violation routes the cycle to the greedy
// fallback.
func (p Problem) check(a Assignment) error {
	byID := make(map[string]RequestState, len(p.Requests))
	for _, r := range p.Requests {
		byID[r.RequestID] = r
	}

	var total datatypes.ResourceVector
	for id, stages := range a.Stages {
		req, ok := byID[id]
		if !ok {
			return fmt.Errorf("assignment grants unknown request %s", id)
		}
		granted := make(map[datatypes.Stage]bool, len(stages))
		for _, st := range stages {
			spec, ok := p.Specs[st]
			if !ok {
				return fmt.Errorf("assignment grants unknown stage %s", st)
			}
			if req.HasCompleted(st) || granted[st] {
				return fmt.Errorf("assignment grants %s/%s twice", id, st)
			}
			if dep := spec.DependsOn; dep != "" && !req.HasCompleted(dep) && !granted[dep] {
				return fmt.Errorf("assignment grants %s/%s before its dependency %s", id, st, dep)
			}
			granted[st] = true
			total = total.Add(spec.Cost)
		}
	}

	if !total.Fits(p.Available) {
		return fmt.Errorf("assignment cost %+v exceeds available %+v", total, p.Available)
	}
	if p.MaxRequests > 0 && a.grantedRequests() > p.MaxRequests {
		return fmt.Errorf("assignment grants %d requests, limit %d", a.grantedRequests(), p.MaxRequests)
	}
	return nil
}

// grantedRequests counts requests holding at least one stage grant.
func (a Assignment) grantedRequests() int {
	n := 0
	for _, stages := range a.Stages {
		if len(stages) > 0 {
			n++
		}
	}
	return n
}
