// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Probe host resources and print the classified tier",
	Long: `Samples CPU, memory, swap, and accelerator headroom exactly the way
the scheduler does each cycle, and prints the snapshot together with
the resource tier the configured thresholds classify it into.`,
	RunE: runResources,
}

func runResources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider := resource.NewSystemProvider(resource.ProviderConfig{
		SampleTimeout:     cfg.Sampling.Window.Std(),
		ProbeInterval:     cfg.Sampling.ProbeInterval.Std(),
		DisableAccelProbe: cfg.Sampling.DisableAccel,
	})

	snap, err := provider.Sample(context.Background())
	if err != nil {
		return fmt.Errorf("resource probe failed: %w", err)
	}
	tier := resource.Classify(snap, cfg.Tiers)

	if flagJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		out := struct {
			Snapshot resource.Snapshot `json:"snapshot"`
			Tier     string            `json:"tier"`
		}{snap, tier.String()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("CPU headroom:        %5.1f%%\n", snap.CPUHeadroomPct)
	fmt.Printf("Memory headroom:     %5.1f%%\n", snap.MemHeadroomPct)
	fmt.Printf("Swap used:           %5.1f%%\n", snap.SwapUsedPct)
	if snap.AccelAvailable {
		fmt.Printf("Accelerator:         %5.1f%% compute, %5.1f%% memory headroom\n",
			snap.AccelHeadroomPct, snap.AccelMemHeadroomPct)
	} else {
		fmt.Println("Accelerator:         not available")
	}
	fmt.Printf("Resource tier:       %s\n", tier)
	return nil
}
