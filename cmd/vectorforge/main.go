// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// vectorforge is the command-line surface of the vector generation
// pipeline: run the HTTP service, generate one image locally, or
// inspect host resources.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/VectorForge/pkg/logging"
	"github.com/AleutianAI/VectorForge/services/vectorizer/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// cliLogger holds the file handle when VECTORFORGE_LOG_DIR is set;
// closed on exit.
var cliLogger *logging.Logger

var (
	flagConfig   string
	flagLogLevel string
	flagJSON     bool

	rootCmd = &cobra.Command{
		Use:   "vectorforge",
		Short: "A resource-aware text-to-vector-image generation pipeline",
		Long: `VectorForge turns text prompts into vector images through a
three-stage pipeline (template synthesis, detail enhancement, path
optimization) scheduled against live CPU, memory, and accelerator
capacity.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the vectorforge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vectorforge %s\n", version)
		},
	}
)

func main() {
	err := rootCmd.Execute()
	if cliLogger != nil {
		_ = cliLogger.Close()
	}
	if err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to a YAML config file (env vars still override)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"force JSON log output (default on when not a terminal)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(resourcesCmd)
}

// loadConfig resolves configuration for any subcommand, honoring the
// persistent flags over file and environment.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("VECTORFORGE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// newLogger builds the CLI logger: human-readable text on a terminal,
// JSON otherwise or when --json is set. File logging is enabled by
// VECTORFORGE_LOG_DIR.
func newLogger(cfg *config.Config) *slog.Logger {
	useJSON := flagJSON || cfg.LogFormat == "json"
	if !flagJSON && isatty.IsTerminal(os.Stderr.Fd()) {
		useJSON = false
	}

	cliLogger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		JSON:    useJSON,
		Service: "cli",
		LogDir:  os.Getenv("VECTORFORGE_LOG_DIR"),
	})
	logger := cliLogger.Slog()
	slog.SetDefault(logger)
	return logger
}
