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
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/observability"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
	"github.com/AleutianAI/VectorForge/services/vectorizer/telemetry"
)

const tracerName = "vectorforge.pipeline"

const (
	// DefaultMaxQueueWait is the total scheduling-wait budget per
	// request, spent across every wait for a decision.
	DefaultMaxQueueWait = 30 * time.Second

	// previewSize is the raster preview edge length in pixels.
	previewSize = 64
)

// =============================================================================
// Admitter
// =============================================================================

// Admitter is the controller's view of the stage scheduler.
//
// # Description
//
// Submit returns a channel carrying at most one unconsumed decision at
// a time; the controller reads a decision, runs the granted stages,
// and either requeues for the remainder or finishes. Every granted
// stage must be Released once executed (failed runs included), and
// Withdraw must always be called when the request leaves the pipeline
// so no reservation can outlive its request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one controller
// goroutine per request calls these methods.
type Admitter interface {
	// Submit queues a request and returns its decision channel. An
	// error is back-pressure: the caller should reject the request.
	Submit(requestID string, priority int) (<-chan datatypes.ScheduleDecision, error)

	// Requeue re-enters the request for its remaining stages after a
	// non-final grant was consumed.
	Requeue(requestID string, completed []datatypes.Stage) error

	// Release returns one granted stage's reserved capacity.
	Release(requestID string, stage datatypes.Stage)

	// Withdraw removes the request and any leftover reservations.
	// Idempotent.
	Withdraw(requestID string)

	// Tier reports the most recently classified resource tier.
	Tier() resource.Tier
}

// =============================================================================
// Controller
// =============================================================================

// ControllerConfig wires the pipeline controller. Admitter is
// required; nil fields otherwise take process defaults.
type ControllerConfig struct {
	// Breaker gates pipeline entry. One instance is shared by every
	// request in the process; nil builds a default breaker.
	Breaker *CircuitBreaker

	// Admitter is the stage scheduler. Required.
	Admitter Admitter

	// Executors maps each stage to its executor; nil selects
	// DefaultExecutors().
	Executors map[datatypes.Stage]StageExecutor

	// Fallback produces the deterministic bypass artifact.
	Fallback *FallbackGenerator

	// MaxQueueWait bounds the total time a request may spend waiting
	// on scheduling decisions. Default: 30s.
	MaxQueueWait time.Duration

	// Timeouts overrides per-stage hard deadlines from configuration.
	Timeouts map[datatypes.Stage]time.Duration

	// Sink receives stage-completion signals; nil means
	// telemetry.NopSink.
	Sink telemetry.Sink

	// Metrics records Prometheus series; nil means
	// observability.DefaultMetrics().
	Metrics *observability.PipelineMetrics

	// Logger is the structured logger; nil means slog.Default().
	Logger *slog.Logger

	// OnEvent, when set, observes phase transitions and stage
	// completions for the progress stream. Must not block.
	OnEvent func(datatypes.ProgressEvent)
}

// Controller drives one generation request at a time through the
// stage machine. A single Controller serves the whole process; Run is
// invoked concurrently, one call per request, with all per-request
// state confined to that call.
type Controller struct {
	breaker      *CircuitBreaker
	admitter     Admitter
	executors    map[datatypes.Stage]StageExecutor
	fallback     *FallbackGenerator
	maxQueueWait time.Duration
	timeouts     map[datatypes.Stage]time.Duration
	sink         telemetry.Sink
	metrics      *observability.PipelineMetrics
	logger       *slog.Logger
	onEvent      func(datatypes.ProgressEvent)
}

// NewController builds a controller from the config.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Admitter == nil {
		return nil, fmt.Errorf("admitter is required")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	if cfg.Executors == nil {
		cfg.Executors = DefaultExecutors()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = NewFallbackGenerator()
	}
	if cfg.MaxQueueWait <= 0 {
		cfg.MaxQueueWait = DefaultMaxQueueWait
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		breaker:      cfg.Breaker,
		admitter:     cfg.Admitter,
		executors:    cfg.Executors,
		fallback:     cfg.Fallback,
		maxQueueWait: cfg.MaxQueueWait,
		timeouts:     cfg.Timeouts,
		sink:         cfg.Sink,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		onEvent:      cfg.OnEvent,
	}, nil
}

// Breaker exposes the shared circuit breaker for status reporting.
func (c *Controller) Breaker() *CircuitBreaker { return c.breaker }

// Run executes one generation request end to end.
//
// # Description
//
// The breaker gates entry: an open circuit routes straight to the
// deterministic fallback without touching the queue. Admitted
// requests wait for scheduling decisions under one total MaxQueueWait
// budget; each grant's stages run in order with their reservations
// released as they finish. A non-final grant requeues for the
// remainder; a final grant (or a completed chain) finishes with the
// best artifact. Stage failure charges the breaker and degrades to
// the best earlier artifact, or to the fallback when nothing has been
// produced. Every exit path yields a usable response: Run returns an
// error only for queue back-pressure (ErrQueueFull) or context
// cancellation.
//
// # Inputs
//
//   - ctx: cancellation/deadline for the whole request.
//   - req: a validated GenerateRequest; the request id is populated
//     here when the client omitted it.
//
// # Outputs
//
//   - *GenerateResponse: SVG content, raster preview, and metadata.
//   - error: ErrQueueFull-wrapped rejection or ctx.Err().
func (c *Controller) Run(ctx context.Context, req datatypes.GenerateRequest) (*datatypes.GenerateResponse, error) {
	req.EnsureDefaults()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Pipeline.run",
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()

	st := NewPipelineState(req)
	st.Status = datatypes.JobRunning
	st.TierUsed = c.admitter.Tier()
	c.setPhase(st, PhaseInit)

	allowed, release := c.breaker.Allow()
	if !allowed {
		c.logger.Info("circuit open, serving deterministic fallback",
			"request_id", st.RequestID)
		telemetry.AddSpanEvent(span, "circuit_open_bypass")
		c.metrics.RecordFallback(observability.FallbackCircuitOpen)
		return c.finishFallback(span, st, false), nil
	}
	if release != nil {
		defer release()
	}

	decisions, err := c.admitter.Submit(st.RequestID, st.Priority)
	if err != nil {
		c.metrics.RecordRequest(observability.OutcomeRejected)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	defer c.admitter.Withdraw(st.RequestID)

	// One budget for every wait, not one per wait. The timer runs
	// only while blocked on the scheduler: granted stages execute
	// under their own per-stage deadlines and consume none of it.
	remaining := c.maxQueueWait

	for {
		var dec datatypes.ScheduleDecision
		deadline := time.NewTimer(remaining)
		waitStart := time.Now()
		select {
		case <-ctx.Done():
			deadline.Stop()
			telemetry.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		case <-deadline.C:
			c.logger.Warn("queue wait budget exhausted, forcing completion",
				"request_id", st.RequestID, "budget", c.maxQueueWait.String())
			telemetry.AddSpanEvent(span, "queue_wait_exceeded")
			if st.BestArtifact() != nil {
				return c.finishDone(span, st), nil
			}
			c.metrics.RecordFallback(observability.FallbackQueueWait)
			return c.finishFallback(span, st, false), nil
		case dec = <-decisions:
			deadline.Stop()
			if remaining -= time.Since(waitStart); remaining < 0 {
				remaining = 0
			}
		}

		if len(dec.StagesToRun) == 0 {
			if !dec.Final {
				continue
			}
			// Nothing the request still needs can ever be admitted.
			if st.BestArtifact() != nil {
				return c.finishDone(span, st), nil
			}
			c.metrics.RecordFallback(observability.FallbackResourceExhausted)
			return c.finishFallback(span, st, false), nil
		}

		tier := c.admitter.Tier()
		st.TierUsed = tier
		params := ParamsForTier(tier)
		ApplyTimeouts(params, c.timeouts)

		for _, stage := range dec.StagesToRun {
			elapsed, execErr := c.executeStage(ctx, st, stage, params[stage])
			if execErr != nil {
				if ctx.Err() != nil {
					// Client gone; not the backend's fault.
					telemetry.RecordError(span, ctx.Err())
					return nil, ctx.Err()
				}
				c.breaker.RecordFailure()
				c.logger.Warn("stage failed",
					"request_id", st.RequestID, "stage", stage.String(), "error", execErr)
				telemetry.RecordError(span, execErr)
				if st.BestArtifact() != nil {
					st.Degraded = true
					return c.finishDone(span, st), nil
				}
				c.metrics.RecordFallback(observability.FallbackStageFailure)
				return c.finishFallback(span, st, true), nil
			}
			st.MarkStageRun(stage, elapsed)
			c.eventStageDone(st, stage, elapsed)
		}

		if dec.Final || st.Outputs.Optimized != nil {
			return c.finishDone(span, st), nil
		}

		if err := c.admitter.Requeue(st.RequestID, st.CompletedStages()); err != nil {
			c.logger.Warn("requeue rejected, finishing with best artifact",
				"request_id", st.RequestID, "error", err)
			return c.finishDone(span, st), nil
		}
	}
}

// executeStage runs one granted stage under its own span. The
// scheduler reservation is released whether or not the stage
// succeeded; a failed stage holds no capacity either.
func (c *Controller) executeStage(ctx context.Context, st *PipelineState, stage datatypes.Stage, params datatypes.StageParameters) (time.Duration, error) {
	exec, ok := c.executors[stage]
	if !ok {
		c.admitter.Release(st.RequestID, stage)
		return 0, &StageExecutionError{
			Stage:   stage,
			Backend: "none",
			Cause:   fmt.Errorf("no executor wired for stage"),
		}
	}

	c.setPhase(st, phaseForStage(stage))

	stageCtx, stageSpan := telemetry.StartSpan(ctx, tracerName, "Pipeline."+stage.String(),
		trace.WithAttributes(attribute.String("request_id", st.RequestID)))
	_, elapsed, err := exec.Execute(stageCtx, st, params)
	c.admitter.Release(st.RequestID, stage)
	if err != nil {
		telemetry.RecordError(stageSpan, err)
	} else {
		telemetry.SetSpanOK(stageSpan)
	}
	stageSpan.End()

	c.sink.StageCompleted(st.RequestID, stage.String(), elapsed, err == nil)
	c.metrics.RecordStageRun(stage.String(), elapsed, err == nil)
	return elapsed, err
}

// =============================================================================
// Completion Paths
// =============================================================================

// finishDone completes a request with its best artifact. A clean
// finish with at least one executed stage counts as a breaker success.
func (c *Controller) finishDone(span trace.Span, st *PipelineState) *datatypes.GenerateResponse {
	if !st.Degraded && !st.Fallback && len(st.StagesRun) > 0 {
		c.breaker.RecordSuccess()
	}

	c.setPhase(st, PhaseDone)
	st.Status = datatypes.JobDone
	st.CompletedAt = time.Now()

	outcome := observability.OutcomeOK
	if st.Degraded {
		outcome = observability.OutcomeDegraded
	}
	c.metrics.RecordRequest(outcome)
	telemetry.SetSpanAttributes(span,
		attribute.String("outcome", string(outcome)),
		attribute.StringSlice("stages_run", st.StagesRun),
		attribute.String("tier", st.TierUsed.String()),
	)
	telemetry.SetSpanOK(span)
	return c.respond(st, st.BestArtifact())
}

// finishFallback completes a request with the deterministic fallback
// artifact. degraded marks failure-driven routes; the circuit-open
// bypass and force-outs with nothing produced are not degradations.
func (c *Controller) finishFallback(span trace.Span, st *PipelineState, degraded bool) *datatypes.GenerateResponse {
	c.setPhase(st, PhaseFallback)
	st.Fallback = true
	st.Degraded = degraded

	art := c.fallback.Generate(st.Prompt, st.Style)
	st.StagesRun = append(st.StagesRun, FallbackBackendName)

	c.setPhase(st, PhaseDone)
	st.Status = datatypes.JobDone
	st.CompletedAt = time.Now()

	c.metrics.RecordRequest(observability.OutcomeFallback)
	telemetry.SetSpanAttributes(span,
		attribute.String("outcome", string(observability.OutcomeFallback)),
		attribute.Bool("degraded", degraded),
	)
	telemetry.SetSpanOK(span)
	return c.respond(st, art)
}

// respond assembles the API response around the final artifact.
func (c *Controller) respond(st *PipelineState, art *datatypes.Artifact) *datatypes.GenerateResponse {
	resp := &datatypes.GenerateResponse{
		RequestID: st.RequestID,
		Metadata:  st.Metadata(),
	}
	if art == nil {
		return resp
	}
	resp.SVGContent = art.SVG
	if art.Doc != nil {
		img := art.Doc.Rasterize(previewSize, previewSize)
		png, err := svg.EncodePNG(img)
		if err != nil {
			c.logger.Warn("raster preview encoding failed",
				"request_id", st.RequestID, "error", err)
		} else {
			resp.RasterPreview = png
		}
	}
	return resp
}

// =============================================================================
// Progress Events
// =============================================================================

// setPhase advances the state machine and notifies the progress
// stream.
func (c *Controller) setPhase(st *PipelineState, p Phase) {
	st.Phase = p
	if c.onEvent != nil {
		c.onEvent(datatypes.NewProgressEvent(st.RequestID, p.String()))
	}
}

// eventStageDone reports a completed stage on the progress stream.
func (c *Controller) eventStageDone(st *PipelineState, stage datatypes.Stage, d time.Duration) {
	if c.onEvent == nil {
		return
	}
	ev := datatypes.NewProgressEvent(st.RequestID, st.Phase.String())
	ev.Stage = stage.String()
	ev.DurationMs = d.Milliseconds()
	c.onEvent(ev)
}
