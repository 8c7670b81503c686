// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The vectorizer service turns text prompts into vector images
// through a resource-aware three-stage pipeline (template synthesis,
// detail enhancement, path optimization) shared across concurrent
// requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/VectorForge/pkg/logging"
	"github.com/AleutianAI/VectorForge/services/vectorizer/config"
	"github.com/AleutianAI/VectorForge/services/vectorizer/routes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
	"github.com/AleutianAI/VectorForge/services/vectorizer/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("VECTORFORGE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logWrapper := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		JSON:    cfg.LogFormat != "text",
		Service: "vectorizer",
		LogDir:  os.Getenv("VECTORFORGE_LOG_DIR"),
	})
	defer logWrapper.Close()
	logger := logWrapper.Slog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.DefaultConfig()
	telCfg.TraceExporter = cfg.Telemetry.TraceExporter
	telCfg.MetricExporter = cfg.Telemetry.MetricExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	shutdown, err := telemetry.Init(rootCtx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := service.New(cfg, service.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("service close failed", "error", err)
		}
	}()

	if err := svc.Start(rootCtx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	// Hot reload of tunables when a config file is in use. Weight and
	// threshold changes take effect on scheduler restart; log-level
	// and timeout changes apply immediately on the next request.
	if path := os.Getenv("VECTORFORGE_CONFIG"); path != "" {
		store := config.NewStore(cfg, path, logger)
		if err := store.Watch(); err != nil {
			logger.Warn("config hot reload unavailable", "error", err)
		} else {
			defer store.Close()
		}
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("vectorizer-service"))
	routes.SetupRoutes(router, svc)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vectorizer service listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-rootCtx.Done():
	}

	logger.Info("shutting down", "grace", shutdownGrace.String())
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
