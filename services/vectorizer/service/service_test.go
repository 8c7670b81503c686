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
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/VectorForge/services/vectorizer/config"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

// testConfig returns a fast, hermetic configuration: in-memory cache,
// tight scheduler cadence, no exporters.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache.InMemory = true
	cfg.Scheduler.Interval = config.Duration(20 * time.Millisecond)
	cfg.Scheduler.MaxQueueWait = config.Duration(5 * time.Second)
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	return cfg
}

// idleHost reports plenty of everything, accelerator included, so all
// three stages are admissible.
func idleHost() resource.Provider {
	return &resource.StaticProvider{Snap: resource.Snapshot{
		CPUHeadroomPct:      90,
		MemHeadroomPct:      85,
		SwapUsedPct:         2,
		AccelAvailable:      true,
		AccelHeadroomPct:    95,
		AccelMemHeadroomPct: 90,
	}}
}

func newTestService(t *testing.T, cfg *config.Config, opts Options) *Service {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if opts.Provider == nil {
		opts.Provider = idleHost()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	svc, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return svc
}

func TestServiceGenerateEndToEnd(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := svc.Generate(ctx, datatypes.GenerateRequest{
		Prompt: "a lighthouse on a rocky coast",
		Style:  "flat",
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(resp.SVGContent, "<svg") {
		t.Errorf("response is not an SVG document: %.80q", resp.SVGContent)
	}
	if len(resp.RasterPreview) == 0 {
		t.Error("expected a raster preview")
	}
	if resp.Metadata.Fallback {
		t.Error("healthy pipeline should not fall back")
	}
	if len(resp.Metadata.StagesRun) == 0 {
		t.Error("expected at least one stage to run")
	}
	if resp.Metadata.StagesRun[0] != "template" {
		t.Errorf("first stage = %q, want template", resp.Metadata.StagesRun[0])
	}
}

func TestServiceGenerateServesCacheHit(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := datatypes.GenerateRequest{Prompt: "twin peaks at dawn"}
	first, err := svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("first Generate() error: %v", err)
	}
	if first.Metadata.CacheHit {
		t.Fatal("first generation cannot be a cache hit")
	}

	second, err := svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("second Generate() error: %v", err)
	}
	if !second.Metadata.CacheHit {
		t.Error("identical prompt should be served from cache")
	}
	if second.SVGContent != first.SVGContent {
		t.Error("cached SVG differs from the original")
	}
}

func TestServiceCacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = false
	svc := newTestService(t, cfg, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := datatypes.GenerateRequest{Prompt: "no cache here"}
	for i := 0; i < 2; i++ {
		resp, err := svc.Generate(ctx, req)
		if err != nil {
			t.Fatalf("Generate() #%d error: %v", i+1, err)
		}
		if resp.Metadata.CacheHit {
			t.Errorf("Generate() #%d reported cache hit with cache disabled", i+1)
		}
	}
}

func TestServiceAsyncJobLifecycle(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	ack, err := svc.SubmitJob(context.Background(), datatypes.GenerateRequest{
		Prompt: "an async fern",
	})
	if err != nil {
		t.Fatalf("SubmitJob() error: %v", err)
	}
	if ack.JobID == "" {
		t.Fatal("expected a job id")
	}
	if ack.Status != datatypes.JobQueued {
		t.Errorf("status = %q, want queued", ack.Status)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := svc.Job(ack.JobID)
		if err != nil {
			t.Fatalf("Job() error: %v", err)
		}
		if st.Status == datatypes.JobDone {
			if st.Result == nil || st.Result.SVGContent == "" {
				t.Fatal("done job has no result")
			}
			break
		}
		if st.Status == datatypes.JobFailed {
			t.Fatalf("job failed: %s", st.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", st.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServiceJobNotFound(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	if _, err := svc.Job("no-such-job"); err != ErrJobNotFound {
		t.Errorf("Job() error = %v, want ErrJobNotFound", err)
	}
}

func TestServiceSubscribeReceivesProgress(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	ack, err := svc.SubmitJob(context.Background(), datatypes.GenerateRequest{
		Prompt: "progress events please",
	})
	if err != nil {
		t.Fatalf("SubmitJob() error: %v", err)
	}

	events, cancel := svc.Subscribe(ack.JobID)
	defer cancel()

	sawDone := false
	timeout := time.After(10 * time.Second)
	for !sawDone {
		select {
		case ev := <-events:
			if ev.RequestID != ack.JobID {
				t.Errorf("event for %q, want %q", ev.RequestID, ack.JobID)
			}
			if ev.Phase == "DONE" {
				sawDone = true
			}
		case <-timeout:
			t.Fatal("no DONE event before timeout")
		}
	}
}

func TestServiceStatusReportsComponents(t *testing.T) {
	svc := newTestService(t, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := svc.Generate(ctx, datatypes.GenerateRequest{Prompt: "status probe"}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	st := svc.Status()
	if st.Breaker.State != "closed" {
		t.Errorf("breaker state = %q, want closed", st.Breaker.State)
	}
	if st.Scheduler.Cycles == 0 {
		t.Error("scheduler reported zero cycles after a completed request")
	}
	if st.Cache == nil {
		t.Error("cache stats missing with cache enabled")
	}
	if !resource.Tier(st.Tier).Valid() {
		t.Errorf("invalid tier %q", st.Tier)
	}
}

func TestJobRegistrySweepEvictsFinished(t *testing.T) {
	r := newJobRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	j := r.create()
	r.complete(j.id, &datatypes.GenerateResponse{})
	running := r.create()
	r.setRunning(running.id)

	r.sweep(time.Now().Add(jobRetention + time.Minute))

	if _, ok := r.get(j.id); ok {
		t.Error("finished job should have been evicted")
	}
	if _, ok := r.get(running.id); !ok {
		t.Error("running job must never be evicted")
	}
}

func TestProgressHubDropsSlowSubscribers(t *testing.T) {
	h := newProgressHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	events, cancel := h.subscribe("req-1")
	defer cancel()

	// Overfill the buffer; publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer*3; i++ {
			h.publish(datatypes.NewProgressEvent("req-1", "RUN_TEMPLATE"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds at most eventBuffer events; the rest dropped.
	received := 0
	for {
		select {
		case <-events:
			received++
			continue
		default:
		}
		break
	}
	if received != eventBuffer {
		t.Errorf("received %d events, want the buffer depth %d", received, eventBuffer)
	}
}

func TestProgressHubCancelIsIdempotent(t *testing.T) {
	h := newProgressHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, cancel := h.subscribe("req-2")
	cancel()
	cancel() // second call must not panic

	// Publishing after cancel must not panic either.
	h.publish(datatypes.NewProgressEvent("req-2", "INIT"))
}
