// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/pipeline"
)

const (
	// jobRetention is how long a finished job stays queryable before
	// the janitor evicts it.
	jobRetention = 15 * time.Minute

	// janitorInterval is the sweep cadence.
	janitorInterval = time.Minute

	// jobBudget bounds one async pipeline run end to end. Generous:
	// it only catches runs the per-stage timeouts somehow missed.
	jobBudget = 10 * time.Minute

	// eventBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind starts losing events instead of
	// slowing the pipeline.
	eventBuffer = 16
)

// ErrJobNotFound reports an unknown or already-evicted job id.
var ErrJobNotFound = errors.New("job not found")

// =============================================================================
// Job Registry
// =============================================================================

// job is one async generation. All fields are guarded by the registry
// mutex after creation.
type job struct {
	id          string
	status      datatypes.JobStatus
	submittedAt time.Time
	finishedAt  time.Time
	result      *datatypes.GenerateResponse
	err         error
}

// JobStats summarizes the registry for the status endpoint.
type JobStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// jobRegistry tracks async generations in memory. Results live only
// until the retention window passes; durable artifact storage is the
// result cache's concern, not the registry's.
type jobRegistry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*job

	janitorOnce sync.Once
}

func newJobRegistry(logger *slog.Logger) *jobRegistry {
	return &jobRegistry{
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// create registers a queued job under a fresh id.
func (r *jobRegistry) create() *job {
	j := &job{
		id:          uuid.NewString(),
		status:      datatypes.JobQueued,
		submittedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[j.id] = j
	r.mu.Unlock()
	return j
}

func (r *jobRegistry) setRunning(id string) {
	r.mu.Lock()
	if j, ok := r.jobs[id]; ok {
		j.status = datatypes.JobRunning
	}
	r.mu.Unlock()
}

func (r *jobRegistry) complete(id string, resp *datatypes.GenerateResponse) {
	r.mu.Lock()
	if j, ok := r.jobs[id]; ok {
		j.status = datatypes.JobDone
		j.result = resp
		j.finishedAt = time.Now().UTC()
	}
	r.mu.Unlock()
}

func (r *jobRegistry) fail(id string, err error) {
	r.mu.Lock()
	if j, ok := r.jobs[id]; ok {
		j.status = datatypes.JobFailed
		j.err = err
		j.finishedAt = time.Now().UTC()
	}
	r.mu.Unlock()
}

// get returns a snapshot of one job's visible state.
func (r *jobRegistry) get(id string) (datatypes.JobStatusResponse, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return datatypes.JobStatusResponse{}, false
	}
	out := datatypes.JobStatusResponse{
		JobID:       j.id,
		Status:      j.status,
		SubmittedAt: j.submittedAt,
		Result:      j.result,
	}
	if j.err != nil {
		out.Error = j.err.Error()
	}
	return out, true
}

func (r *jobRegistry) stats() JobStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s JobStats
	for _, j := range r.jobs {
		switch j.status {
		case datatypes.JobQueued:
			s.Queued++
		case datatypes.JobRunning:
			s.Running++
		case datatypes.JobDone:
			s.Done++
		case datatypes.JobFailed:
			s.Failed++
		}
	}
	return s
}

// startJanitor launches the retention sweeper once. ctx cancellation
// stops it.
func (r *jobRegistry) startJanitor(ctx context.Context) {
	r.janitorOnce.Do(func() {
		go r.janitorLoop(ctx)
	})
}

func (r *jobRegistry) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep evicts finished jobs older than the retention window.
func (r *jobRegistry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, j := range r.jobs {
		if j.finishedAt.IsZero() {
			continue
		}
		if now.Sub(j.finishedAt) >= jobRetention {
			delete(r.jobs, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("job janitor evicted finished jobs", "count", evicted)
	}
}

// =============================================================================
// Async Submission
// =============================================================================

// SubmitJob starts one async generation and returns its job id. The
// request id doubles as the progress-stream key, so it is forced to
// the job id: websocket subscribers look up events by the id they got
// back from submission.
//
// Queue saturation is reported through the job itself: the run fails
// fast with ErrQueueFull and the job lands in failed.
func (s *Service) SubmitJob(ctx context.Context, req datatypes.GenerateRequest) (datatypes.JobSubmitResponse, error) {
	j := s.jobs.create()
	req.RequestID = j.id

	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobBudget)
		defer cancel()

		s.jobs.setRunning(j.id)
		resp, err := s.Generate(runCtx, req)
		if err != nil {
			s.jobs.fail(j.id, err)
			if !errors.Is(err, pipeline.ErrQueueFull) {
				s.logger.Error("async generation failed", "job_id", j.id, "error", err)
			}
			s.hub.finish(j.id, "failed")
			return
		}
		s.jobs.complete(j.id, resp)
		s.hub.finish(j.id, "done")
	}()

	return datatypes.JobSubmitResponse{JobID: j.id, Status: datatypes.JobQueued}, nil
}

// Job reports one async job's state.
func (s *Service) Job(id string) (datatypes.JobStatusResponse, error) {
	if st, ok := s.jobs.get(id); ok {
		return st, nil
	}
	return datatypes.JobStatusResponse{}, ErrJobNotFound
}

// =============================================================================
// Progress Hub
// =============================================================================

// progressHub fans pipeline progress events out to websocket
// subscribers, keyed by request id. Publishing never blocks: a full
// subscriber buffer drops the event.
type progressHub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[chan datatypes.ProgressEvent]struct{}
	closed bool
}

func newProgressHub(logger *slog.Logger) *progressHub {
	return &progressHub{
		logger: logger,
		subs:   make(map[string]map[chan datatypes.ProgressEvent]struct{}),
	}
}

// subscribe registers a listener for one request id. The cancel func
// is idempotent and closes the channel.
func (h *progressHub) subscribe(requestID string) (<-chan datatypes.ProgressEvent, func()) {
	ch := make(chan datatypes.ProgressEvent, eventBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set := h.subs[requestID]
	if set == nil {
		set = make(map[chan datatypes.ProgressEvent]struct{})
		h.subs[requestID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			// The hub's close() may have already removed and closed
			// this channel; only close what we removed ourselves.
			removed := false
			if set, ok := h.subs[requestID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					removed = true
				}
				if len(set) == 0 {
					delete(h.subs, requestID)
				}
			}
			h.mu.Unlock()
			if removed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// publish delivers an event to every subscriber of its request id.
// Called from controller goroutines; must not block.
func (h *progressHub) publish(ev datatypes.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[ev.RequestID] {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow; it keeps the stream but loses
			// this event.
		}
	}
}

// finish emits a terminal marker so stream consumers know no further
// events will arrive for the request.
func (h *progressHub) finish(requestID, outcome string) {
	ev := datatypes.NewProgressEvent(requestID, pipeline.PhaseDone.String())
	ev.Message = outcome
	h.publish(ev)
}

// close drops every subscriber. Subscribed channels are closed so
// websocket writers unwind.
func (h *progressHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}
	h.subs = make(map[string]map[chan datatypes.ProgressEvent]struct{})
}
