// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler admits pipeline stages across concurrent requests
// under shared resource capacity.
//
// # Description
//
// One cycle goroutine — the only decision writer — runs on a fixed
// interval and additionally fires when queue depth crosses a trigger
// threshold. Each cycle samples host capacity, classifies the resource
// tier, builds a constrained-assignment Problem over the pending
// requests, solves it (primary Solver if configured, greedy fallback
// always), reserves the admitted costs, and emits one ScheduleDecision
// per admitted request on that request's buffered channel.
//
// Stage execution runs off the cycle's critical path; the cycle only
// decides. Completion reports (Release) return reserved capacity to
// the pool for the next cycle, including timeout-failed stages.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The reservation
// ledger and entry table share one mutex; decisions travel over
// per-request channels of capacity 1 and are consumed at most once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/observability"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
	"github.com/AleutianAI/VectorForge/services/vectorizer/telemetry"
)

const tracerName = "vectorforge.scheduler"

// =============================================================================
// Configuration
// =============================================================================

// Config holds scheduler settings. Zero fields take the defaults from
// DefaultConfig(); Provider is the one required field.
type Config struct {
	// Interval is the cycle cadence. Default: 500ms.
	Interval time.Duration

	// TriggerDepth forces an immediate cycle when the number of
	// requests awaiting a decision reaches it. Default: 4.
	TriggerDepth int

	// MaxConcurrent caps requests holding grants at once. Default: 16.
	MaxConcurrent int

	// MaxRequeues bounds how often one request may re-enter the queue
	// after consuming a grant; the grant that would exceed it is
	// marked Final. Default: 8.
	MaxRequeues int

	// QueueCapacity bounds the entry table; submissions beyond it are
	// rejected as back-pressure. Default: 128.
	QueueCapacity int

	// Specs are the per-stage quality weights and costs; nil selects
	// datatypes.DefaultStageSpecs(). Weights are normalized to sum to
	// one at construction.
	Specs map[datatypes.Stage]datatypes.StageSpec

	// Thresholds classify snapshots into tiers; the zero value selects
	// resource.DefaultThresholds().
	Thresholds resource.Thresholds

	// Provider samples host capacity. Required.
	Provider resource.Provider

	// Solver is the optional primary solver. The greedy fallback backs
	// it on every error, so scheduling never depends on it.
	Solver Solver

	// Sink receives cycle and tier signals; nil means telemetry.NopSink.
	Sink telemetry.Sink

	// Metrics records Prometheus series; nil means
	// observability.DefaultMetrics().
	Metrics *observability.PipelineMetrics

	// Logger is the structured logger; nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults. Provider must still be
// set by the caller.
func DefaultConfig() Config {
	return Config{
		Interval:      500 * time.Millisecond,
		TriggerDepth:  4,
		MaxConcurrent: 16,
		MaxRequeues:   8,
		QueueCapacity: 128,
	}
}

// Stats is a point-in-time summary for the status endpoint.
type Stats struct {
	Cycles         uint64                   `json:"cycles"`
	LastSolver     string                   `json:"last_solver"`
	FallbackCycles uint64                   `json:"fallback_cycles"`
	GrantsTotal    uint64                   `json:"grants_total"`
	QueueDepth     int                      `json:"queue_depth"`
	InFlight       int                      `json:"in_flight"`
	Reserved       datatypes.ResourceVector `json:"reserved"`
	LastTier       string                   `json:"last_tier"`
	LastCycleAt    time.Time                `json:"last_cycle_at"`
}

// =============================================================================
// Scheduler
// =============================================================================

// entry is the scheduler-side record of one queued request. All fields
// are guarded by the scheduler mutex.
type entry struct {
	id         string
	priority   int
	completed  map[datatypes.Stage]bool
	requeues   int
	enqueuedAt time.Time

	// granted marks an unconsumed or in-execution grant; granted
	// entries are skipped when building the next cycle's problem.
	granted      bool
	firstGrantAt time.Time

	// decisions carries grants to the owning controller. Capacity 1;
	// written only by the cycle goroutine.
	decisions chan datatypes.ScheduleDecision
}

// completedStages returns the completed set in dependency order.
func (e *entry) completedStages() []datatypes.Stage {
	var out []datatypes.Stage
	for _, st := range datatypes.Stages() {
		if e.completed[st] {
			out = append(out, st)
		}
	}
	return out
}

// Scheduler is the multi-request admission engine.
type Scheduler struct {
	config     Config
	specs      map[datatypes.Stage]datatypes.StageSpec
	thresholds resource.Thresholds
	provider   resource.Provider
	solver     Solver
	greedy     GreedySolver
	sink       telemetry.Sink
	metrics    *observability.PipelineMetrics
	logger     *slog.Logger

	mu             sync.Mutex
	entries        map[string]*entry
	reserved       map[string]map[datatypes.Stage]datatypes.ResourceVector
	inFlight       datatypes.ResourceVector
	lastTier       resource.Tier
	lastSnap       resource.Snapshot
	haveSnap       bool
	cycle          uint64
	lastSolver     string
	lastCycleAt    time.Time
	fellBackCycles uint64
	grantsTotal    uint64
	running        bool

	trigger chan struct{}
	done    chan struct{}
}

// New builds a scheduler. The stage specs are copied and their quality
// weights normalized; a Provider is required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("resource provider is required")
	}

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TriggerDepth <= 0 {
		cfg.TriggerDepth = def.TriggerDepth
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = def.MaxRequeues
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.Thresholds == (resource.Thresholds{}) {
		cfg.Thresholds = resource.DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier thresholds: %w", err)
	}

	src := cfg.Specs
	if src == nil {
		src = datatypes.DefaultStageSpecs()
	}
	specs := make(map[datatypes.Stage]datatypes.StageSpec, len(src))
	for name, spec := range src {
		specs[name] = spec
	}
	if err := datatypes.NormalizeWeights(specs); err != nil {
		return nil, fmt.Errorf("invalid stage specs: %w", err)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config:     cfg,
		specs:      specs,
		thresholds: cfg.Thresholds,
		provider:   cfg.Provider,
		solver:     cfg.Solver,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		entries:    make(map[string]*entry),
		reserved:   make(map[string]map[datatypes.Stage]datatypes.ResourceVector),
		lastTier:   resource.TierLow,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the cycle goroutine. Returns an error if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // reset for potential restart
	done := s.done
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		"interval", s.config.Interval.String(),
		"trigger_depth", s.config.TriggerDepth,
		"max_concurrent", s.config.MaxConcurrent,
	)

	go s.runLoop(ctx, done)
	return nil
}

// Stop signals the cycle goroutine to exit. Safe to call multiple
// times. Queued requests receive no further decisions; their
// controllers finish through the queue-wait force-out.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// runLoop is the cycle goroutine: fixed ticker plus the depth trigger.
// done is captured at spawn so a stop/start pair can never strand the
// old goroutine on the replacement channel.
func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		}
	}
}

// RunNow executes one scheduling cycle immediately without waiting for
// the next tick. Useful for manual invocation and tests.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runCycle(ctx)
}

// =============================================================================
// Admission Surface
// =============================================================================

// Submit queues a request for scheduling and returns the channel its
// decisions arrive on. Rejection (duplicate ID or a full queue) is
// back-pressure: the caller should refuse the request rather than
// retry here.
func (s *Scheduler) Submit(requestID string, priority int) (<-chan datatypes.ScheduleDecision, error) {
	s.mu.Lock()
	if _, exists := s.entries[requestID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("request %s is already queued", requestID)
	}
	if len(s.entries) >= s.config.QueueCapacity {
		s.mu.Unlock()
		return nil, fmt.Errorf("pending queue at capacity (%d)", s.config.QueueCapacity)
	}
	e := &entry{
		id:         requestID,
		priority:   priority,
		completed:  make(map[datatypes.Stage]bool, 3),
		enqueuedAt: time.Now(),
		decisions:  make(chan datatypes.ScheduleDecision, 1),
	}
	s.entries[requestID] = e
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.maybeTrigger(depth)
	return e.decisions, nil
}

// Requeue re-enters a request for its remaining stages after a
// non-final grant was consumed. The completed set replaces what the
// scheduler knew; the requeue budget is charged here.
func (s *Scheduler) Requeue(requestID string, completed []datatypes.Stage) error {
	s.mu.Lock()
	e, ok := s.entries[requestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("request %s is not queued", requestID)
	}
	for _, st := range completed {
		e.completed[st] = true
	}
	e.granted = false
	e.requeues++
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.maybeTrigger(depth)
	return nil
}

// Release returns one granted stage's reserved capacity to the pool.
// Called for every executed stage, successful or not — a failed or
// timed-out stage holds no capacity either.
func (s *Scheduler) Release(requestID string, stage datatypes.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.reserved[requestID]
	if !ok {
		return
	}
	cost, ok := m[stage]
	if !ok {
		return
	}
	delete(m, stage)
	if len(m) == 0 {
		delete(s.reserved, requestID)
	}
	s.inFlight = s.inFlight.Sub(cost)
}

// Withdraw removes a request entirely: its queue entry and any
// reservations it still holds. Idempotent; controllers defer it so a
// request can never leak capacity.
func (s *Scheduler) Withdraw(requestID string) {
	s.mu.Lock()
	if m, ok := s.reserved[requestID]; ok {
		for _, cost := range m {
			s.inFlight = s.inFlight.Sub(cost)
		}
		delete(s.reserved, requestID)
	}
	delete(s.entries, requestID)
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
}

// Tier returns the tier classified by the most recent cycle.
func (s *Scheduler) Tier() resource.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTier
}

// Stats summarizes scheduler state for the status endpoint.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlightReqs := 0
	for _, e := range s.entries {
		if e.granted {
			inFlightReqs++
		}
	}
	return Stats{
		Cycles:         s.cycle,
		LastSolver:     s.lastSolver,
		FallbackCycles: s.fellBackCycles,
		GrantsTotal:    s.grantsTotal,
		QueueDepth:     s.queueDepthLocked(),
		InFlight:       inFlightReqs,
		Reserved:       s.inFlight,
		LastTier:       s.lastTier.String(),
		LastCycleAt:    s.lastCycleAt,
	}
}

// queueDepthLocked counts requests awaiting a decision.
func (s *Scheduler) queueDepthLocked() int {
	depth := 0
	for _, e := range s.entries {
		if !e.granted {
			depth++
		}
	}
	return depth
}

// maybeTrigger kicks the cycle goroutine when queue depth crosses the
// trigger threshold. Non-blocking: a pending kick is enough.
func (s *Scheduler) maybeTrigger(depth int) {
	if depth < s.config.TriggerDepth {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// =============================================================================
// Cycle
// =============================================================================

// runCycle performs one scheduling cycle: sample, classify, solve,
// reserve, emit.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Scheduler.cycle")
	defer span.End()

	// 1. Sample. A sampling failure degrades to the low tier and the
	// conservative capacity floor; it never stops the cycle.
	snap, sampleErr := s.provider.Sample(ctx)
	tier := resource.TierLow
	capacity := resource.DefaultCapacityFloor()
	if sampleErr != nil {
		s.logger.Warn("resource sampling failed, degrading to capacity floor", "error", sampleErr)
		telemetry.RecordError(span, sampleErr)
	} else {
		tier = resource.Classify(snap, s.thresholds)
		capacity = snap.CapacityVector()
	}

	// 2. Build the problem from a consistent view of the queue.
	s.mu.Lock()
	s.cycle++
	cycleNum := s.cycle
	s.lastTier = tier
	if sampleErr == nil {
		s.lastSnap = snap
		s.haveSnap = true
	}
	accelKnown := s.haveSnap
	accelAvail := s.lastSnap.AccelAvailable
	available := capacity.Sub(s.inFlight)

	grantedCount := 0
	reqs := make([]RequestState, 0, len(s.entries))
	for _, e := range s.entries {
		if e.granted {
			grantedCount++
			continue
		}
		reqs = append(reqs, RequestState{
			RequestID:  e.id,
			Priority:   e.priority,
			Completed:  e.completedStages(),
			Eligible:   s.eligibleLocked(e, accelKnown, accelAvail),
			Requeues:   e.requeues,
			EnqueuedAt: e.enqueuedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].EnqueuedAt.Equal(reqs[j].EnqueuedAt) {
			return reqs[i].EnqueuedAt.Before(reqs[j].EnqueuedAt)
		}
		return reqs[i].RequestID < reqs[j].RequestID
	})

	problem := Problem{
		Cycle:     cycleNum,
		Tier:      tier,
		Available: available,
		Specs:     s.specs,
		Requests:  reqs,
	}

	// 3+4. Solve off the lock; the apply step below revalidates every
	// request against the live queue.
	assignment := Assignment{}
	solverName := s.greedy.Name()
	fellBack := false

	slots := s.config.MaxConcurrent - grantedCount
	if len(reqs) > 0 && slots > 0 {
		problem.MaxRequests = slots
		assignment, solverName, fellBack = s.solve(ctx, problem)
	}

	// 5. Reserve and emit under the lock.
	now := time.Now()
	admitted := 0
	var emittedStages []datatypes.Stage

	s.mu.Lock()
	for _, req := range problem.Requests {
		e, ok := s.entries[req.RequestID]
		if !ok || e.granted {
			continue // withdrawn or re-granted since the problem was built
		}

		stages := assignment.Stages[req.RequestID]
		if len(stages) == 0 {
			if len(req.Eligible) == 0 {
				// Nothing this request still wants can ever run. Hand
				// its controller an empty final grant so it finishes
				// with its best artifact instead of waiting out the
				// queue budget.
				s.emitLocked(e, datatypes.ScheduleDecision{
					RequestID: e.id,
					Final:     true,
					Cycle:     cycleNum,
				}, now)
			}
			continue
		}

		for _, st := range stages {
			s.reserveLocked(e.id, st)
		}
		s.emitLocked(e, datatypes.ScheduleDecision{
			RequestID:   e.id,
			StagesToRun: stages,
			Final:       s.finalAfterLocked(e, stages, accelKnown, accelAvail),
			Cycle:       cycleNum,
		}, now)
		admitted++
		s.grantsTotal += uint64(len(stages))
		emittedStages = append(emittedStages, stages...)
	}

	if fellBack {
		s.fellBackCycles++
	}
	s.lastSolver = solverName
	s.lastCycleAt = now
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	// Signals and gauges off the lock.
	headroom := headroomMap(capacity)
	s.metrics.SetResourceTier(tier.String())
	s.metrics.SetResourceHeadroom(headroom)
	s.metrics.SetQueueDepth(depth)
	s.metrics.RecordSchedulerCycle(solverName, fellBack)
	for _, st := range emittedStages {
		s.metrics.RecordScheduledStage(st.String())
	}
	s.sink.TierSampled(tier.String(), headroom)
	s.sink.SchedulerCycle(solverName, admitted, fellBack, time.Since(start))

	telemetry.SetSpanAttributes(span,
		attribute.Int64("cycle", int64(cycleNum)),
		attribute.String("tier", tier.String()),
		attribute.Int("admitted", admitted),
		attribute.Bool("fell_back", fellBack),
	)
	telemetry.SetSpanOK(span)
}

// solve runs the primary solver when configured, vets its output, and
// falls back to greedy on any error or constraint violation.
func (s *Scheduler) solve(ctx context.Context, p Problem) (Assignment, string, bool) {
	if s.solver != nil {
		a, err := s.solver.Solve(ctx, p)
		if err == nil {
			err = p.check(a)
		}
		if err == nil {
			return a, s.solver.Name(), false
		}
		if errors.Is(err, ErrInfeasible) {
			s.logger.Debug("primary solver infeasible, using greedy",
				"solver", s.solver.Name(), "cycle", p.Cycle)
		} else {
			s.logger.Warn("primary solver failed, using greedy",
				"solver", s.solver.Name(), "cycle", p.Cycle, "error", err)
		}
		a, _ = s.greedy.Solve(ctx, p)
		return a, s.greedy.Name(), true
	}

	a, _ := s.greedy.Solve(ctx, p)
	return a, s.greedy.Name(), false
}

// emitLocked delivers a decision on the entry's channel and flips it
// to granted. The channel has capacity 1 and only the cycle goroutine
// writes, so an ungranted entry's channel is always empty.
func (s *Scheduler) emitLocked(e *entry, d datatypes.ScheduleDecision, now time.Time) {
	select {
	case e.decisions <- d:
	default:
		s.logger.Error("decision channel unexpectedly full, dropping grant",
			"request_id", e.id, "cycle", d.Cycle)
		return
	}
	e.granted = true
	if len(d.StagesToRun) > 0 && e.firstGrantAt.IsZero() {
		e.firstGrantAt = now
		s.metrics.ObserveQueueWait(now.Sub(e.enqueuedAt))
	}
}

// reserveLocked charges one granted stage against the in-flight
// ledger.
func (s *Scheduler) reserveLocked(id string, st datatypes.Stage) {
	cost := s.specs[st].Cost
	m := s.reserved[id]
	if m == nil {
		m = make(map[datatypes.Stage]datatypes.ResourceVector, 3)
		s.reserved[id] = m
	}
	m[st] = cost
	s.inFlight = s.inFlight.Add(cost)
}

// eligibleLocked lists the stages a request still wants, in dependency
// order, pruned at the first stage that can never run on this host.
func (s *Scheduler) eligibleLocked(e *entry, accelKnown, accelAvail bool) []datatypes.Stage {
	var out []datatypes.Stage
	for _, st := range datatypes.Stages() {
		if e.completed[st] {
			continue
		}
		if !s.stageEverFeasible(st, accelKnown, accelAvail) {
			break // later stages depend on this one
		}
		out = append(out, st)
	}
	return out
}

// finalAfterLocked decides whether a grant is the request's last: the
// requeue budget is exhausted, nothing remains afterward, or the next
// wanted stage can never run.
func (s *Scheduler) finalAfterLocked(e *entry, granted []datatypes.Stage, accelKnown, accelAvail bool) bool {
	if e.requeues >= s.config.MaxRequeues {
		return true
	}
	g := make(map[datatypes.Stage]bool, len(granted))
	for _, st := range granted {
		g[st] = true
	}
	for _, st := range datatypes.Stages() {
		if e.completed[st] || g[st] {
			continue
		}
		return !s.stageEverFeasible(st, accelKnown, accelAvail)
	}
	return true // nothing remains
}

// stageEverFeasible reports whether any future cycle could admit the
// stage. A stage with accelerator cost on a host without one can
// never run; before the first good sample the answer stays optimistic
// so a transient probe failure doesn't finalize requests prematurely.
func (s *Scheduler) stageEverFeasible(st datatypes.Stage, accelKnown, accelAvail bool) bool {
	cost := s.specs[st].Cost
	if cost.CPU > 1 || cost.Mem > 1 {
		return false
	}
	if cost.Accel > 0 || cost.AccelMem > 0 {
		if !accelKnown {
			return true
		}
		if !accelAvail {
			return false
		}
		if cost.Accel > 1 || cost.AccelMem > 1 {
			return false
		}
	}
	return true
}

// headroomMap flattens a capacity vector for sinks and gauges.
func headroomMap(v datatypes.ResourceVector) map[string]float64 {
	return map[string]float64{
		"cpu":       v.CPU,
		"mem":       v.Mem,
		"accel":     v.Accel,
		"accel_mem": v.AccelMem,
	}
}
