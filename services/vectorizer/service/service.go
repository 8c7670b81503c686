// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service wires the vectorizer's components into one running
// unit.
//
// # Description
//
// The Service owns the resource provider, the multi-request scheduler,
// the shared circuit breaker, the pipeline controller, the result
// cache, the async job registry, and the progress-event hub. Handlers
// talk to a *Service and nothing below it.
//
// Construction is configuration-driven: config.Config selects the
// detail backend, the cache mode, the operational sink, and every
// tunable the scheduler and breaker carry. A Service built from
// DefaultConfig runs entirely locally with no external dependencies.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/backends"
	"github.com/AleutianAI/VectorForge/services/vectorizer/cache"
	"github.com/AleutianAI/VectorForge/services/vectorizer/config"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/observability"
	"github.com/AleutianAI/VectorForge/services/vectorizer/pipeline"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
	"github.com/AleutianAI/VectorForge/services/vectorizer/scheduler"
	"github.com/AleutianAI/VectorForge/services/vectorizer/telemetry"
)

// =============================================================================
// Options
// =============================================================================

// Options overrides pieces of the default wiring. Every field is
// optional; tests inject static providers, fake backends, and
// in-memory caches here without touching configuration.
type Options struct {
	// Provider replaces the live system provider.
	Provider resource.Provider

	// Executors replaces the configuration-selected stage executors.
	Executors map[datatypes.Stage]pipeline.StageExecutor

	// Solver is the optional primary scheduling solver. The greedy
	// fallback covers its absence and every error it returns.
	Solver scheduler.Solver

	// Sink replaces the environment-selected operational sink.
	Sink telemetry.Sink

	// Logger replaces slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled vectorizer: scheduler, breaker, pipeline
// controller, cache, and job registry behind one façade.
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.PipelineMetrics
	sink       telemetry.Sink
	ownsSink   bool
	provider   resource.Provider
	breaker    *pipeline.CircuitBreaker
	sched      *scheduler.Scheduler
	controller *pipeline.Controller
	results    *cache.ResultCache
	jobs       *jobRegistry
	hub        *progressHub
}

// New assembles a Service from configuration plus optional overrides.
// Nothing starts running until Start is called.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.DefaultMetrics()

	sink := opts.Sink
	ownsSink := false
	if sink == nil {
		sink = newSinkFromEnv(logger)
		ownsSink = true
	}

	provider := opts.Provider
	if provider == nil {
		provider = resource.NewSystemProvider(resource.ProviderConfig{
			SampleTimeout:     cfg.Sampling.Window.Std(),
			ProbeInterval:     cfg.Sampling.ProbeInterval.Std(),
			DisableAccelProbe: cfg.Sampling.DisableAccel,
		})
	}

	breaker := pipeline.NewCircuitBreaker(pipeline.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout.Std(),
		OnTransition: func(from, to pipeline.CircuitState) {
			metrics.RecordBreakerTransition(to.String())
			sink.BreakerTransition(from.String(), to.String())
			logger.Info("circuit breaker transition",
				"from", from.String(), "to", to.String())
		},
	})

	executors := opts.Executors
	if executors == nil {
		var err error
		executors, err = buildExecutors(cfg)
		if err != nil {
			return nil, err
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval:      cfg.Scheduler.Interval.Std(),
		TriggerDepth:  cfg.Scheduler.TriggerDepth,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxRequeues:   cfg.Scheduler.MaxRequeues,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		Specs:         cfg.StageSpecs(),
		Thresholds:    cfg.Tiers,
		Provider:      provider,
		Solver:        opts.Solver,
		Sink:          sink,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	hub := newProgressHub(logger)

	controller, err := pipeline.NewController(pipeline.ControllerConfig{
		Breaker:      breaker,
		Admitter:     sched,
		Executors:    executors,
		Fallback:     pipeline.NewFallbackGenerator(),
		MaxQueueWait: cfg.Scheduler.MaxQueueWait.Std(),
		Timeouts:     cfg.StageTimeouts(),
		Sink:         sink,
		Logger:       logger,
		OnEvent:      hub.publish,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline controller: %w", err)
	}

	var results *cache.ResultCache
	if cfg.Cache.Enabled {
		cc := cache.DefaultConfig()
		cc.Dir = cfg.Cache.Dir
		cc.InMemory = cfg.Cache.InMemory
		cc.TTL = cfg.Cache.TTL.Std()
		cc.Logger = logger
		results, err = cache.Open(cc)
		if err != nil {
			return nil, fmt.Errorf("open result cache: %w", err)
		}
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sink:       sink,
		ownsSink:   ownsSink,
		provider:   provider,
		breaker:    breaker,
		sched:      sched,
		controller: controller,
		results:    results,
		jobs:       newJobRegistry(logger),
		hub:        hub,
	}, nil
}

// buildExecutors selects stage backends from configuration.
func buildExecutors(cfg *config.Config) (map[datatypes.Stage]pipeline.StageExecutor, error) {
	var detail backends.Backend
	switch cfg.DetailBackend {
	case "openai":
		b, err := backends.NewOpenAIDetailBackend()
		if err != nil {
			return nil, fmt.Errorf("configure openai detail backend: %w", err)
		}
		detail = b
	default:
		detail = backends.NewProceduralDetailBackend()
	}

	return map[datatypes.Stage]pipeline.StageExecutor{
		datatypes.StageTemplate: pipeline.NewTemplateExecutor(backends.NewTemplateBackend()),
		datatypes.StageDetail:   pipeline.NewDetailExecutor(detail),
		datatypes.StageOptimize: pipeline.NewOptimizeExecutor(backends.NewOptimizeBackend()),
	}, nil
}

// newSinkFromEnv picks the operational sink: Influx when INFLUX_URL
// and INFLUX_TOKEN are set, otherwise debug-level slog.
func newSinkFromEnv(logger *slog.Logger) telemetry.Sink {
	if influxCfg, ok := telemetry.InfluxConfigFromEnv(); ok {
		logger.Info("operational signals going to InfluxDB", "url", influxCfg.URL)
		return telemetry.NewInfluxSink(influxCfg, logger)
	}
	return telemetry.NewSlogSink(logger)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the scheduler cycle and the job janitor. The ctx
// bounds both; cancelling it stops them.
func (s *Service) Start(ctx context.Context) error {
	if err := s.sched.Start(ctx); err != nil {
		return err
	}
	s.jobs.startJanitor(ctx)
	return nil
}

// Close stops the scheduler and releases the cache and sink. Safe to
// call after a failed Start.
func (s *Service) Close() error {
	_ = s.sched.Stop()
	s.hub.close()
	var firstErr error
	if s.results != nil {
		if err := s.results.Close(); err != nil {
			firstErr = err
		}
	}
	if s.ownsSink {
		if err := s.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =============================================================================
// Generation
// =============================================================================

// Generate runs one request end to end: cache first, then the
// pipeline. Degraded and fallback responses are never cached, so a
// transient outage cannot pin a poor artifact for the TTL.
func (s *Service) Generate(ctx context.Context, req datatypes.GenerateRequest) (*datatypes.GenerateResponse, error) {
	req.EnsureDefaults()

	if s.results == nil {
		return s.controller.Run(ctx, req)
	}

	key := cache.Key(req.Prompt, req.Style)
	resp, hit, err := s.results.GetOrGenerate(ctx, key, func() (*datatypes.GenerateResponse, error) {
		return s.controller.Run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		resp.RequestID = req.RequestID
		resp.Metadata.CacheHit = true
	}
	return resp, nil
}

// Subscribe attaches a progress listener for one request id. The
// returned channel is closed by cancel; events overflowing the buffer
// are dropped, never blocking the pipeline.
func (s *Service) Subscribe(requestID string) (<-chan datatypes.ProgressEvent, func()) {
	return s.hub.subscribe(requestID)
}

// =============================================================================
// Status
// =============================================================================

// Status is the /v1/pipeline/status payload.
type Status struct {
	Breaker   pipeline.CircuitBreakerStats `json:"breaker"`
	Scheduler scheduler.Stats              `json:"scheduler"`
	Cache     *cache.Stats                 `json:"cache,omitempty"`
	Jobs      JobStats                     `json:"jobs"`
	Tier      string                       `json:"resource_tier"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Status summarizes the live state of every shared component.
func (s *Service) Status() Status {
	st := Status{
		Breaker:   s.breaker.Stats(),
		Scheduler: s.sched.Stats(),
		Jobs:      s.jobs.stats(),
		Tier:      s.sched.Tier().String(),
		Timestamp: time.Now().UTC(),
	}
	if s.results != nil {
		cs := s.results.Stats()
		st.Cache = &cs
	}
	return st
}

// Sample probes the resource provider directly; used by the resources
// CLI command and nothing in the request path.
func (s *Service) Sample(ctx context.Context) (resource.Snapshot, error) {
	return s.provider.Sample(ctx)
}

// Tier reports the most recently classified resource tier.
func (s *Service) Tier() resource.Tier { return s.sched.Tier() }

// Config exposes the effective configuration (read-only by
// convention).
func (s *Service) Config() *config.Config { return s.cfg }
