// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build darwin

package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// darwinProbe approximates capacity through sysctl and vm_stat. macOS
// is a development fallback, not a serving target, so coarse numbers
// are acceptable: CPU headroom derives from the 1-minute load average
// and memory headroom from free+inactive pages against hw.memsize.
type darwinProbe struct {
	runner commandRunner
}

func newHostProbe(r commandRunner) hostProbe {
	return &darwinProbe{runner: r}
}

func (p *darwinProbe) CPUHeadroom(ctx context.Context) (float64, error) {
	output, err := p.runner.Run(ctx, "sysctl", "-n", "vm.loadavg")
	if err != nil {
		return 0, fmt.Errorf("sysctl vm.loadavg: %w", err)
	}
	// Output shape: "{ 1.23 1.01 0.98 }"
	fields := strings.Fields(strings.Trim(strings.TrimSpace(string(output)), "{}"))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected vm.loadavg output %q", string(output))
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse load average %q: %w", fields[0], err)
	}
	cores := float64(runtime.NumCPU())
	if cores == 0 {
		cores = 1
	}
	return clampPct(100 * (1 - load1/cores)), nil
}

func (p *darwinProbe) Memory(ctx context.Context) (float64, float64, error) {
	memsizeOut, err := p.runner.Run(ctx, "sysctl", "-n", "hw.memsize")
	if err != nil {
		return 0, 0, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	totalBytes, err := strconv.ParseUint(strings.TrimSpace(string(memsizeOut)), 10, 64)
	if err != nil || totalBytes == 0 {
		return 0, 0, fmt.Errorf("parse hw.memsize %q: %w", string(memsizeOut), err)
	}

	vmstatOut, err := p.runner.Run(ctx, "vm_stat")
	if err != nil {
		return 0, 0, fmt.Errorf("vm_stat: %w", err)
	}
	freePages, err := parseVMStatFree(vmstatOut)
	if err != nil {
		return 0, 0, err
	}
	memHeadroom := clampPct(100 * float64(freePages*vmPageSize) / float64(totalBytes))

	swapUsed, err := p.swapUsedPct(ctx)
	if err != nil {
		return 0, 0, err
	}
	return memHeadroom, swapUsed, nil
}

// vmPageSize is the fixed 4KiB page vm_stat reports in.
const vmPageSize = 4096

// parseVMStatFree sums the page classes reclaimable without I/O:
// free, inactive, and speculative.
func parseVMStatFree(output []byte) (uint64, error) {
	var pages uint64
	seen := false
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		var prefixMatch bool
		for _, prefix := range []string{"Pages free:", "Pages inactive:", "Pages speculative:"} {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimPrefix(line, prefix)
				prefixMatch = true
				break
			}
		}
		if !prefixMatch {
			continue
		}
		val := strings.TrimSuffix(strings.TrimSpace(line), ".")
		count, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse vm_stat pages %q: %w", val, err)
		}
		pages += count
		seen = true
	}
	if !seen {
		return 0, fmt.Errorf("vm_stat output had no page counts")
	}
	return pages, nil
}

// swapUsedPct parses "total = 2048.00M used = 1024.00M free = ..."
// from vm.swapusage. Hosts with swap disabled report total 0.
func (p *darwinProbe) swapUsedPct(ctx context.Context) (float64, error) {
	output, err := p.runner.Run(ctx, "sysctl", "-n", "vm.swapusage")
	if err != nil {
		return 0, fmt.Errorf("sysctl vm.swapusage: %w", err)
	}
	var totalMB, usedMB float64
	fields := strings.Fields(string(output))
	for i := 0; i+2 < len(fields); i++ {
		if fields[i+1] != "=" {
			continue
		}
		val, perr := strconv.ParseFloat(strings.TrimSuffix(fields[i+2], "M"), 64)
		if perr != nil {
			continue
		}
		switch fields[i] {
		case "total":
			totalMB = val
		case "used":
			usedMB = val
		}
	}
	if totalMB <= 0 {
		return 0, nil
	}
	return clampPct(100 * usedMB / totalMB), nil
}
