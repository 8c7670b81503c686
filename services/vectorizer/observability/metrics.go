// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the vectorizer.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// generation pipeline. Metrics include:
//   - Request counters (by outcome)
//   - Stage execution counters and latency histograms
//   - Circuit breaker state and transitions
//   - Scheduler cycle counters, queue depth, and queue wait latency
//   - Fallback and cache operation counters
//   - Resource tier and per-resource headroom gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "vectorforge"

// PipelineMetrics holds all Prometheus metrics for the generation
// pipeline, the scheduler, and the result cache.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring pipeline
// health and scheduling behavior. Obtain the shared instance via
// DefaultMetrics(); construction registers every collector with the
// default Prometheus registerer.
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// RequestsTotal counts finished generation requests.
	// Labels: outcome (ok, degraded, fallback, rejected)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage execution wall time.
	// Labels: stage (template, detail, optimize), outcome (ok, error)
	StageDurationSeconds *prometheus.HistogramVec

	// StageRunsTotal counts stage executions.
	// Labels: stage, outcome (ok, error)
	StageRunsTotal *prometheus.CounterVec

	// BreakerState reports the circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	BreakerState prometheus.Gauge

	// BreakerTransitionsTotal counts breaker state changes.
	// Labels: to (closed, open, half-open)
	BreakerTransitionsTotal *prometheus.CounterVec

	// SchedulerCyclesTotal counts scheduling cycles by the solver that
	// produced the cycle's assignment.
	// Labels: solver
	SchedulerCyclesTotal *prometheus.CounterVec

	// SchedulerInfeasibleTotal counts cycles where the primary solver
	// failed or returned infeasible and the greedy fallback decided.
	SchedulerInfeasibleTotal prometheus.Counter

	// ScheduledStagesTotal counts stage grants emitted by the scheduler.
	// Labels: stage
	ScheduledStagesTotal *prometheus.CounterVec

	// QueueDepth tracks requests waiting for an admission decision.
	QueueDepth prometheus.Gauge

	// QueueWaitSeconds measures time from submission to first grant.
	QueueWaitSeconds prometheus.Histogram

	// FallbacksTotal counts fallback artifacts by trigger.
	// Labels: reason (circuit_open, stage_failure, queue_wait)
	FallbacksTotal *prometheus.CounterVec

	// CacheOpsTotal counts result cache operations.
	// Labels: op (get, set), outcome (hit, miss, ok, error)
	CacheOpsTotal *prometheus.CounterVec

	// ResourceTier reports the last classified tier
	// (0 low, 1 medium, 2 high).
	ResourceTier prometheus.Gauge

	// ResourceHeadroom reports sampled headroom fractions (0..1).
	// Labels: resource (cpu, mem, accel, accel_mem)
	ResourceHeadroom *prometheus.GaugeVec
}

var (
	defaultMetrics     *PipelineMetrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide metrics instance,
// registering all collectors with the default Prometheus registerer on
// first call. Safe to call from any goroutine; every call returns the
// same instance.
func DefaultMetrics() *PipelineMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newPipelineMetrics()
	})
	return defaultMetrics
}

func newPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total finished generation requests by outcome",
			},
			[]string{"outcome"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution wall time in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 120},
			},
			[]string{"stage", "outcome"},
		),

		StageRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stage_runs_total",
				Help:      "Total stage executions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		BreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),

		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_transitions_total",
				Help:      "Total circuit breaker state transitions by target state",
			},
			[]string{"to"},
		),

		SchedulerCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scheduler_cycles_total",
				Help:      "Total scheduling cycles by deciding solver",
			},
			[]string{"solver"},
		),

		SchedulerInfeasibleTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scheduler_infeasible_total",
				Help:      "Total cycles where the primary solver failed and greedy decided",
			},
		),

		ScheduledStagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scheduled_stages_total",
				Help:      "Total stage grants emitted by the scheduler",
			},
			[]string{"stage"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Requests currently waiting for an admission decision",
			},
		),

		QueueWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "queue_wait_seconds",
				Help:      "Time from submission to first stage grant in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fallbacks_total",
				Help:      "Total fallback artifacts by trigger reason",
			},
			[]string{"reason"},
		),

		CacheOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_ops_total",
				Help:      "Total result cache operations by op and outcome",
			},
			[]string{"op", "outcome"},
		),

		ResourceTier: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "resource_tier",
				Help:      "Last classified resource tier (0 low, 1 medium, 2 high)",
			},
		),

		ResourceHeadroom: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "resource_headroom",
				Help:      "Sampled headroom fraction (0..1) per resource",
			},
			[]string{"resource"},
		),
	}
}

// =============================================================================
// Label Vocabulary
// =============================================================================

// Outcome categorizes a finished request for metrics labeling.
type Outcome string

const (
	// OutcomeOK is a full or resource-driven-partial success.
	OutcomeOK Outcome = "ok"

	// OutcomeDegraded is a failure-driven partial result.
	OutcomeDegraded Outcome = "degraded"

	// OutcomeFallback is a response served by the fallback generator.
	OutcomeFallback Outcome = "fallback"

	// OutcomeRejected is a request refused before admission
	// (validation or queue back-pressure).
	OutcomeRejected Outcome = "rejected"
)

// FallbackReason categorizes what routed a request to the fallback
// generator.
type FallbackReason string

const (
	// FallbackCircuitOpen is the breaker bypass path.
	FallbackCircuitOpen FallbackReason = "circuit_open"

	// FallbackStageFailure is an in-pipeline failure with no usable
	// earlier artifact.
	FallbackStageFailure FallbackReason = "stage_failure"

	// FallbackQueueWait is the max-queue-wait force-out.
	FallbackQueueWait FallbackReason = "queue_wait"

	// FallbackResourceExhausted is a final empty grant with no
	// artifact: nothing the request needs can ever be admitted.
	FallbackResourceExhausted FallbackReason = "resources"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished generation request.
func (m *PipelineMetrics) RecordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordStageRun records one stage execution: the run counter and the
// duration histogram share the outcome label.
//
// # Inputs
//
//   - stage: The stage that ran.
//   - d: Wall time the execution took.
//   - ok: Whether the stage produced an artifact.
func (m *PipelineMetrics) RecordStageRun(stage string, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.StageRunsTotal.WithLabelValues(stage, outcome).Inc()
	m.StageDurationSeconds.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// RecordBreakerTransition records a breaker state change and moves the
// state gauge to the new state.
func (m *PipelineMetrics) RecordBreakerTransition(to string) {
	m.BreakerTransitionsTotal.WithLabelValues(to).Inc()
	m.BreakerState.Set(breakerStateValue(to))
}

// breakerStateValue maps a breaker state name to its gauge value.
func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default: // closed
		return 0
	}
}

// RecordSchedulerCycle records one scheduling cycle.
//
// # Inputs
//
//   - solver: Name of the solver whose assignment was applied.
//   - fellBack: True when the primary solver failed and the greedy
//     fallback produced the assignment.
func (m *PipelineMetrics) RecordSchedulerCycle(solver string, fellBack bool) {
	m.SchedulerCyclesTotal.WithLabelValues(solver).Inc()
	if fellBack {
		m.SchedulerInfeasibleTotal.Inc()
	}
}

// RecordScheduledStage records one emitted stage grant.
func (m *PipelineMetrics) RecordScheduledStage(stage string) {
	m.ScheduledStagesTotal.WithLabelValues(stage).Inc()
}

// SetQueueDepth updates the pending-queue depth gauge.
func (m *PipelineMetrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// ObserveQueueWait records the time a request waited for its first
// stage grant.
func (m *PipelineMetrics) ObserveQueueWait(d time.Duration) {
	m.QueueWaitSeconds.Observe(d.Seconds())
}

// RecordFallback records one fallback artifact by trigger reason.
func (m *PipelineMetrics) RecordFallback(reason FallbackReason) {
	m.FallbacksTotal.WithLabelValues(string(reason)).Inc()
}

// RecordCacheOp records a result cache operation.
//
// # Inputs
//
//   - op: "get" or "set".
//   - outcome: "hit", "miss", "ok", or "error".
func (m *PipelineMetrics) RecordCacheOp(op, outcome string) {
	m.CacheOpsTotal.WithLabelValues(op, outcome).Inc()
}

// SetResourceTier moves the tier gauge to the named tier.
func (m *PipelineMetrics) SetResourceTier(tier string) {
	m.ResourceTier.Set(tierValue(tier))
}

// tierValue maps a tier name to its gauge value.
func tierValue(tier string) float64 {
	switch tier {
	case "medium":
		return 1
	case "high":
		return 2
	default: // low
		return 0
	}
}

// SetResourceHeadroom records sampled headroom fractions per resource
// dimension. Accelerator dimensions are reported even when zero so
// dashboards distinguish "no accelerator" from "no data".
func (m *PipelineMetrics) SetResourceHeadroom(headroom map[string]float64) {
	for res, frac := range headroom {
		m.ResourceHeadroom.WithLabelValues(res).Set(frac)
	}
}
