// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// cpuDeltaWindow is the settle time for the first CPU reading, when
// no previous counters exist to delta against. Must stay well inside
// the provider's sample timeout.
const cpuDeltaWindow = 50 * time.Millisecond

// linuxProbe reads /proc/stat for CPU counters and Sysinfo for
// memory. It keeps the previous CPU counters so headroom reflects the
// interval since the last probe rather than the average since boot.
type linuxProbe struct {
	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func newHostProbe(_ commandRunner) hostProbe {
	return &linuxProbe{}
}

func (p *linuxProbe) CPUHeadroom(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle, total, err := readCPUCounters()
	if err != nil {
		return 0, err
	}

	// First probe, or the counters went backwards (host suspend,
	// container checkpoint restore). Re-baseline with a short second
	// reading so the delta reflects current load.
	if p.prevTotal == 0 || total < p.prevTotal || idle < p.prevIdle {
		p.prevIdle, p.prevTotal = idle, total
		timer := time.NewTimer(cpuDeltaWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
		idle, total, err = readCPUCounters()
		if err != nil {
			return 0, err
		}
	}

	dIdle := idle - p.prevIdle
	dTotal := total - p.prevTotal
	p.prevIdle, p.prevTotal = idle, total

	if dTotal == 0 {
		return 0, fmt.Errorf("cpu counters did not advance")
	}
	return clampPct(100 * float64(dIdle) / float64(dTotal)), nil
}

func (p *linuxProbe) Memory(_ context.Context) (float64, float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, fmt.Errorf("sysinfo: %w", err)
	}
	if info.Totalram == 0 {
		return 0, 0, fmt.Errorf("sysinfo reported zero total ram")
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	totalRAM := uint64(info.Totalram) * unit
	freeRAM := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	memHeadroom := clampPct(100 * float64(freeRAM) / float64(totalRAM))

	var swapUsed float64
	if info.Totalswap > 0 {
		totalSwap := uint64(info.Totalswap) * unit
		freeSwap := uint64(info.Freeswap) * unit
		swapUsed = clampPct(100 * float64(totalSwap-freeSwap) / float64(totalSwap))
	}

	return memHeadroom, swapUsed, nil
}

// readCPUCounters parses the aggregate "cpu" line of /proc/stat.
// Idle time includes iowait; total is the sum of all fields.
func readCPUCounters() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, field := range fields[1:] {
			val, perr := strconv.ParseUint(field, 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("parse /proc/stat field %q: %w", field, perr)
			}
			total += val
			// Fields 4 and 5 (1-indexed after "cpu") are idle and iowait.
			if i == 3 || i == 4 {
				idle += val
			}
		}
		return idle, total, nil
	}
	if serr := scanner.Err(); serr != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", serr)
	}
	return 0, 0, fmt.Errorf("/proc/stat has no cpu line")
}
