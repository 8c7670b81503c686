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
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// fakeProbe satisfies hostProbe with canned values.
type fakeProbe struct {
	cpu     float64
	mem     float64
	swap    float64
	err     error
	samples int
}

func (f *fakeProbe) CPUHeadroom(context.Context) (float64, error) {
	f.samples++
	if f.err != nil {
		return 0, f.err
	}
	return f.cpu, nil
}

func (f *fakeProbe) Memory(context.Context) (float64, float64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.mem, f.swap, nil
}

// fakeRunner satisfies commandRunner with a canned response per command.
type fakeRunner struct {
	output map[string][]byte
	err    map[string]error
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, name string, _ ...string) ([]byte, error) {
	f.calls++
	if err, ok := f.err[name]; ok {
		return nil, err
	}
	if out, ok := f.output[name]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("%s: command not found", name)
}

func newTestProvider(probe hostProbe, runner commandRunner, interval time.Duration) *SystemProvider {
	return &SystemProvider{
		cfg:     ProviderConfig{SampleTimeout: 200 * time.Millisecond, ProbeInterval: interval},
		probe:   probe,
		runner:  runner,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func TestSystemProvider_Sample(t *testing.T) {
	probe := &fakeProbe{cpu: 72, mem: 64, swap: 5}
	runner := &fakeRunner{output: map[string][]byte{
		"nvidia-smi": []byte("15, 2048, 8192\n"),
	}}
	p := newTestProvider(probe, runner, time.Hour)

	snap, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if snap.CPUHeadroomPct != 72 || snap.MemHeadroomPct != 64 || snap.SwapUsedPct != 5 {
		t.Errorf("Sample() = %+v", snap)
	}
	if !snap.AccelAvailable {
		t.Fatal("expected accelerator to be detected")
	}
	if math.Abs(snap.AccelHeadroomPct-85) > 1e-9 {
		t.Errorf("AccelHeadroomPct = %f, want 85", snap.AccelHeadroomPct)
	}
	if math.Abs(snap.AccelMemHeadroomPct-75) > 1e-9 {
		t.Errorf("AccelMemHeadroomPct = %f, want 75", snap.AccelMemHeadroomPct)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Sample() left Timestamp zero")
	}
}

func TestSystemProvider_ServesLastGoodBetweenProbes(t *testing.T) {
	probe := &fakeProbe{cpu: 50, mem: 50}
	runner := &fakeRunner{err: map[string]error{"nvidia-smi": errors.New("no such binary")}}
	p := newTestProvider(probe, runner, time.Hour)

	first, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("first Sample() error: %v", err)
	}

	// Inside the probe window: the cached snapshot comes back and the
	// probe is not consulted again.
	probe.cpu = 5
	second, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("second Sample() error: %v", err)
	}
	if second != first {
		t.Errorf("expected cached snapshot, got %+v want %+v", second, first)
	}
	if probe.samples != 1 {
		t.Errorf("probe ran %d times, want 1", probe.samples)
	}
}

func TestSystemProvider_SamplingErrorType(t *testing.T) {
	probe := &fakeProbe{err: errors.New("proc unreadable")}
	p := newTestProvider(probe, &fakeRunner{}, time.Hour)

	_, err := p.Sample(context.Background())
	if err == nil {
		t.Fatal("expected sampling error")
	}
	var serr *SamplingError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v is not a *SamplingError", err)
	}
}

func TestSystemProvider_MissingAcceleratorIsNotAnError(t *testing.T) {
	probe := &fakeProbe{cpu: 80, mem: 70}
	runner := &fakeRunner{err: map[string]error{"nvidia-smi": errors.New("executable not found")}}
	p := newTestProvider(probe, runner, time.Hour)

	snap, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if snap.AccelAvailable {
		t.Error("AccelAvailable = true with failing probe")
	}
}

func TestProbeAccelerator_MultiDevice(t *testing.T) {
	runner := &fakeRunner{output: map[string][]byte{
		// Two devices: one busy, one idle. Compute headroom follows
		// the busiest; memory aggregates.
		"nvidia-smi": []byte("90, 7000, 8000\n10, 1000, 8000\n"),
	}}

	headroom, memHeadroom, ok := probeAccelerator(context.Background(), runner)
	if !ok {
		t.Fatal("expected accelerator detection")
	}
	if math.Abs(headroom-10) > 1e-9 {
		t.Errorf("headroom = %f, want 10 (busiest device)", headroom)
	}
	if math.Abs(memHeadroom-50) > 1e-9 {
		t.Errorf("memHeadroom = %f, want 50 (aggregate)", memHeadroom)
	}
}

func TestProbeAccelerator_GarbageOutput(t *testing.T) {
	runner := &fakeRunner{output: map[string][]byte{
		"nvidia-smi": []byte("NVIDIA-SMI has failed\n"),
	}}
	if _, _, ok := probeAccelerator(context.Background(), runner); ok {
		t.Error("garbage output must not report an accelerator")
	}
}

func TestStaticProvider(t *testing.T) {
	want := Snapshot{CPUHeadroomPct: 40, MemHeadroomPct: 40}
	p := &StaticProvider{Snap: want}

	snap, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample() error: %v", err)
	}
	if snap.CPUHeadroomPct != 40 || snap.MemHeadroomPct != 40 {
		t.Errorf("Sample() = %+v", snap)
	}
	if snap.Timestamp.IsZero() {
		t.Error("expected a fresh timestamp")
	}

	pErr := &StaticProvider{Err: errors.New("boom")}
	_, err = pErr.Sample(context.Background())
	var serr *SamplingError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v is not a *SamplingError", err)
	}
}
