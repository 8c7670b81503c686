// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Provider Interface
// =============================================================================

// Provider produces capacity snapshots.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Sample returns a current capacity snapshot. Implementations
	// bound their own probe work; ctx cancellation aborts early. A
	// returned error is always a *SamplingError.
	Sample(ctx context.Context) (Snapshot, error)
}

// commandRunner abstracts external probe execution so tests can stub
// accelerator and platform queries.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// hostProbe reads CPU and memory state for the current platform. The
// per-GOOS implementations live in the sysinfo_* files.
type hostProbe interface {
	// CPUHeadroom returns idle CPU as a percentage of total capacity.
	CPUHeadroom(ctx context.Context) (float64, error)

	// Memory returns available RAM and used swap, both 0..100.
	Memory(ctx context.Context) (memHeadroomPct, swapUsedPct float64, err error)
}

// =============================================================================
// SystemProvider
// =============================================================================

// ProviderConfig tunes the system provider.
type ProviderConfig struct {
	// SampleTimeout bounds one full probe, external commands included.
	SampleTimeout time.Duration

	// ProbeInterval is the minimum spacing between real probes. Calls
	// arriving inside the window are served the last good snapshot.
	ProbeInterval time.Duration

	// DisableAccelProbe skips the accelerator query entirely. Useful
	// on hosts where the probe binary is present but the device is
	// owned by another workload.
	DisableAccelProbe bool
}

// DefaultProviderConfig returns production defaults: 200ms probe
// budget, at most one real probe per second.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		SampleTimeout: 200 * time.Millisecond,
		ProbeInterval: time.Second,
	}
}

// SystemProvider samples the live host. CPU headroom comes from
// counter deltas, memory and swap from the kernel, and accelerator
// state from nvidia-smi under a bounded exec window. A rate limiter
// caps probe frequency; between probes the last good snapshot is
// served unchanged.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex serializes probes so at
// most one external query runs at a time.
type SystemProvider struct {
	cfg     ProviderConfig
	probe   hostProbe
	runner  commandRunner
	limiter *rate.Limiter

	mu       sync.Mutex
	haveLast bool
	last     Snapshot
}

var _ Provider = (*SystemProvider)(nil)

// NewSystemProvider builds a provider for the current platform.
func NewSystemProvider(cfg ProviderConfig) *SystemProvider {
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = DefaultProviderConfig().SampleTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProviderConfig().ProbeInterval
	}
	runner := execCommandRunner{}
	return &SystemProvider{
		cfg:     cfg,
		probe:   newHostProbe(runner),
		runner:  runner,
		limiter: rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
	}
}

// Sample returns a snapshot, probing at most once per ProbeInterval.
//
// # Description
//
// Inside the rate window the last good snapshot is returned as-is.
// A real probe reads CPU and memory, then queries the accelerator;
// accelerator absence is recorded, never surfaced as an error. CPU or
// memory read failure produces a *SamplingError, and the stale
// snapshot (if any) is discarded rather than served indefinitely.
func (p *SystemProvider) Sample(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.limiter.Allow() && p.haveLast {
		return p.last, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.SampleTimeout)
	defer cancel()

	snap, err := p.sampleOnce(probeCtx)
	if err != nil {
		p.haveLast = false
		return Snapshot{}, &SamplingError{Cause: err}
	}

	p.last = snap
	p.haveLast = true
	return snap, nil
}

func (p *SystemProvider) sampleOnce(ctx context.Context) (Snapshot, error) {
	cpu, err := p.probe.CPUHeadroom(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu probe: %w", err)
	}

	mem, swap, err := p.probe.Memory(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory probe: %w", err)
	}

	snap := Snapshot{
		CPUHeadroomPct: cpu,
		MemHeadroomPct: mem,
		SwapUsedPct:    swap,
		Timestamp:      time.Now(),
	}

	if !p.cfg.DisableAccelProbe {
		if accel, accelMem, ok := probeAccelerator(ctx, p.runner); ok {
			snap.AccelAvailable = true
			snap.AccelHeadroomPct = accel
			snap.AccelMemHeadroomPct = accelMem
		}
	}

	return snap, nil
}

// probeAccelerator queries per-GPU utilization and memory. Any
// failure (binary missing, driver down, timeout) reports no
// accelerator. With multiple devices the compute headroom is taken
// from the busiest device and memory is aggregated, so one saturated
// GPU is enough to tier down.
func probeAccelerator(ctx context.Context, runner commandRunner) (headroomPct, memHeadroomPct float64, ok bool) {
	output, err := runner.Run(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	if err != nil {
		return 0, 0, false
	}

	var (
		maxUtil         float64
		usedMB, totalMB float64
		devices         int
	)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		util, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		used, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		total, err3 := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err1 != nil || err2 != nil || err3 != nil || total <= 0 {
			continue
		}
		if util > maxUtil {
			maxUtil = util
		}
		usedMB += used
		totalMB += total
		devices++
	}
	if devices == 0 {
		return 0, 0, false
	}

	headroomPct = clampPct(100 - maxUtil)
	memHeadroomPct = clampPct(100 * (1 - usedMB/totalMB))
	return headroomPct, memHeadroomPct, true
}

func clampPct(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return f
}

// =============================================================================
// StaticProvider
// =============================================================================

// StaticProvider serves a fixed snapshot. Used by tests and by the
// CLI to exercise classification against synthetic capacity.
type StaticProvider struct {
	Snap Snapshot
	Err  error
}

var _ Provider = (*StaticProvider)(nil)

// Sample returns the configured snapshot with a fresh timestamp, or
// the configured error wrapped as a *SamplingError.
func (p *StaticProvider) Sample(ctx context.Context) (Snapshot, error) {
	if p.Err != nil {
		return Snapshot{}, &SamplingError{Cause: p.Err}
	}
	snap := p.Snap
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	return snap, nil
}
