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
	"sync"
	"time"
)

// =============================================================================
// Clock
// =============================================================================

// Clock abstracts time for the breaker so tests can step through open
// windows without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// =============================================================================
// Circuit States
// =============================================================================

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - one trial request allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// =============================================================================
// Configuration
// =============================================================================

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening (default: 3).
	FailureThreshold int

	// ResetTimeout is how long to stay open before admitting a trial
	// request (default: 30s).
	ResetTimeout time.Duration

	// Clock supplies time; nil means SystemClock.
	Clock Clock

	// OnTransition, when set, observes every state change. Called
	// with the breaker lock held: it must not call back into the
	// breaker.
	OnTransition func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// =============================================================================
// CircuitBreaker
// =============================================================================

// CircuitBreaker gates pipeline entry so repeated stage failures stop
// hitting a struggling backend. Three states:
//
//   - Closed: normal operation, requests pass through.
//   - Open: after FailureThreshold consecutive failures, requests are
//     rejected and routed to the fallback generator.
//   - Half-Open: after ResetTimeout, exactly one trial request probes
//     recovery. One success closes the circuit; one failure reopens it.
//
// The OPEN→HALF_OPEN transition is evaluated lazily inside Allow, so
// no background timer runs. One *CircuitBreaker is shared by every
// pipeline controller in the process; it is never a package global.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  Clock

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	lastStateChange time.Time
	halfOpenActive  bool

	// Metrics
	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &CircuitBreaker{
		config:          config,
		clock:           clock,
		state:           CircuitClosed,
		lastStateChange: clock.Now(),
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Allow checks if a request should be allowed.
//
// Outputs:
//   - bool: True if the request should proceed.
//   - func(): Release function returning an unused half-open trial
//     slot; call it when the request completes (may be nil).
//
// Usage:
//
//	allowed, release := cb.Allow()
//	if !allowed {
//	    return fallback()
//	}
//	if release != nil {
//	    defer release()
//	}
func (cb *CircuitBreaker) Allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.transitionTo(CircuitHalfOpen)
			return cb.tryHalfOpen()
		}
		cb.totalRejections++
		return false, nil

	case CircuitHalfOpen:
		return cb.tryHalfOpen()
	}

	return false, nil
}

// tryHalfOpen attempts to claim the single trial slot.
// Must be called with lock held.
func (cb *CircuitBreaker) tryHalfOpen() (bool, func()) {
	if cb.state != CircuitHalfOpen || cb.halfOpenActive {
		cb.totalRejections++
		return false, nil
	}

	cb.halfOpenActive = true
	return true, func() {
		cb.mu.Lock()
		cb.halfOpenActive = false
		cb.mu.Unlock()
	}
}

// RecordSuccess records a successful request. In half-open state a
// single success closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	from := cb.state
	cb.state = newState
	cb.lastStateChange = cb.clock.Now()
	cb.failures = 0
	cb.halfOpenActive = false

	if cb.config.OnTransition != nil && from != newState {
		cb.config.OnTransition(from, newState)
	}
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
		return
	}
	cb.failures = 0
	cb.halfOpenActive = false
	cb.lastStateChange = cb.clock.Now()
}
