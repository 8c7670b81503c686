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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/VectorForge/pkg/validation"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
)

var (
	genStyle   string
	genOut     string
	genPreview string

	generateCmd = &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate one vector image locally, without the HTTP service",
		Long: `Runs the full pipeline in-process for a single prompt: template
synthesis, detail enhancement, and optimization, scheduled against
live host resources. Writes the SVG to stdout or --out.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runGenerate,
	}
)

func init() {
	generateCmd.Flags().StringVar(&genStyle, "style", "",
		"style token biasing palette and stroke (e.g. flat, line-art)")
	generateCmd.Flags().StringVar(&genOut, "out", "",
		"write the SVG to this file instead of stdout")
	generateCmd.Flags().StringVar(&genPreview, "preview", "",
		"also write the PNG raster preview to this file")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if err := validation.ValidatePrompt(prompt); err != nil {
		return err
	}
	style, err := validation.SanitizeStyle(genStyle)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// One-shot run: no persistent cache, no exporter noise.
	cfg.Cache.Enabled = false
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"

	svc, err := service.New(cfg, service.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}
	defer svc.Close()

	budget := cfg.Scheduler.MaxQueueWait.Std() +
		cfg.Timeouts.Template.Std() + cfg.Timeouts.Detail.Std() + cfg.Timeouts.Optimize.Std()
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	start := time.Now()
	resp, err := svc.Generate(ctx, datatypes.GenerateRequest{
		Prompt: prompt,
		Style:  style,
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	logger.Info("generation complete",
		"elapsed", time.Since(start).String(),
		"tier", resp.Metadata.ResourceTierUsed,
		"stages", strings.Join(resp.Metadata.StagesRun, ","),
		"degraded", resp.Metadata.Degraded,
		"fallback", resp.Metadata.Fallback,
	)

	if err := writeArtifact(resp); err != nil {
		return err
	}
	return nil
}

func writeArtifact(resp *datatypes.GenerateResponse) error {
	if genOut == "" {
		fmt.Println(resp.SVGContent)
	} else {
		if err := os.WriteFile(genOut, []byte(resp.SVGContent), 0o644); err != nil {
			return fmt.Errorf("write SVG: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", genOut)
	}
	if genPreview != "" {
		if len(resp.RasterPreview) == 0 {
			return fmt.Errorf("no raster preview was produced")
		}
		if err := os.WriteFile(genPreview, resp.RasterPreview, 0o644); err != nil {
			return fmt.Errorf("write preview: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", genPreview)
	}
	return nil
}
