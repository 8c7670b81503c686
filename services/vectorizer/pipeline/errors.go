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
	"errors"
	"fmt"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

var (
	// ErrCircuitOpen rejects pipeline entry while the breaker is open
	// or the half-open trial slot is taken. Expected control flow:
	// callers route to the fallback generator and log at debug, never
	// as an anomaly.
	ErrCircuitOpen = errors.New("circuit breaker is open, failing fast")

	// ErrStageTimeout marks a stage that exceeded its hard deadline.
	// Always wrapped in a *StageExecutionError so breaker accounting
	// treats timeouts like any other stage failure.
	ErrStageTimeout = errors.New("stage exceeded its execution deadline")

	// ErrQueueFull rejects new work when the scheduler's pending queue
	// is at capacity. Surfaced to clients as back-pressure, not routed
	// to the fallback generator.
	ErrQueueFull = errors.New("request queue is full")
)

// StageExecutionError wraps a failed stage with the context breaker
// accounting and telemetry need.
type StageExecutionError struct {
	Stage   datatypes.Stage
	Backend string
	Cause   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed (backend %s): %v", e.Stage, e.Backend, e.Cause)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }
