// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// =============================================================================
// Sink
// =============================================================================

// Sink receives fire-and-forget operational signals from the pipeline
// and the scheduler. Implementations must never block the caller:
// a slow or failing backend drops points, it does not slow requests.
//
// # Thread Safety
//
// All methods are called concurrently from controller goroutines and
// the scheduler cycle goroutine; implementations must be safe for
// concurrent use.
type Sink interface {
	// StageCompleted reports one finished stage execution.
	StageCompleted(requestID, stage string, d time.Duration, ok bool)

	// TierSampled reports a classified resource tier together with the
	// headroom snapshot it was derived from (fractions 0..1).
	TierSampled(tier string, snapshot map[string]float64)

	// BreakerTransition reports a circuit breaker state change.
	BreakerTransition(from, to string)

	// SchedulerCycle reports one completed scheduling cycle.
	SchedulerCycle(solver string, admitted int, fellBack bool, d time.Duration)

	// Close flushes buffered signals and releases resources.
	Close() error
}

// =============================================================================
// NopSink
// =============================================================================

// NopSink discards every signal. The zero value is ready to use.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) StageCompleted(string, string, time.Duration, bool) {}

func (NopSink) TierSampled(string, map[string]float64) {}

func (NopSink) BreakerTransition(string, string) {}

func (NopSink) SchedulerCycle(string, int, bool, time.Duration) {}

func (NopSink) Close() error { return nil }

// =============================================================================
// SlogSink
// =============================================================================

// SlogSink writes every signal as a structured debug log line. Useful
// in development and as the default when no Influx backend is
// configured.
type SlogSink struct {
	logger *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink wraps the given logger; nil means slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) StageCompleted(requestID, stage string, d time.Duration, ok bool) {
	s.logger.Debug("stage completed",
		"request_id", requestID,
		"stage", stage,
		"duration_ms", d.Milliseconds(),
		"ok", ok,
	)
}

func (s *SlogSink) TierSampled(tier string, snapshot map[string]float64) {
	args := []any{"tier", tier}
	for k, v := range snapshot {
		args = append(args, k, v)
	}
	s.logger.Debug("resource tier sampled", args...)
}

func (s *SlogSink) BreakerTransition(from, to string) {
	s.logger.Info("circuit breaker transition", "from", from, "to", to)
}

func (s *SlogSink) SchedulerCycle(solver string, admitted int, fellBack bool, d time.Duration) {
	s.logger.Debug("scheduler cycle",
		"solver", solver,
		"admitted", admitted,
		"fell_back", fellBack,
		"duration_ms", d.Milliseconds(),
	)
}

func (s *SlogSink) Close() error { return nil }

// =============================================================================
// InfluxSink
// =============================================================================

// InfluxConfig locates the InfluxDB backend for the InfluxSink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxConfigFromEnv reads INFLUX_URL / INFLUX_TOKEN / INFLUX_ORG /
// INFLUX_BUCKET. The second return is false when URL or token are
// absent, meaning the sink should stay disabled.
func InfluxConfigFromEnv() (InfluxConfig, bool) {
	cfg := InfluxConfig{
		URL:    os.Getenv("INFLUX_URL"),
		Token:  os.Getenv("INFLUX_TOKEN"),
		Org:    getEnvOr("INFLUX_ORG", "vectorforge"),
		Bucket: getEnvOr("INFLUX_BUCKET", "pipeline-signals"),
	}
	if cfg.URL == "" || cfg.Token == "" {
		return InfluxConfig{}, false
	}
	return cfg, true
}

// InfluxSink writes signals as InfluxDB points through the
// non-blocking write API. Writes are buffered and batched by the
// client; transport failures are drained from the error channel and
// logged, never surfaced to callers.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
	done     chan struct{}
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink connects the sink to an InfluxDB backend. The
// connection is lazy; a down backend only shows up in the error drain.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go s.drainErrors()
	return s
}

// drainErrors consumes the async write error channel so the client
// never stalls on an unread error.
func (s *InfluxSink) drainErrors() {
	errCh := s.writeAPI.Errors()
	for {
		select {
		case err, open := <-errCh:
			if !open {
				return
			}
			s.logger.Debug("influx write dropped", "error", err)
		case <-s.done:
			return
		}
	}
}

func (s *InfluxSink) StageCompleted(requestID, stage string, d time.Duration, ok bool) {
	p := influxdb2.NewPoint(
		"pipeline_stage",
		map[string]string{
			"stage": stage,
			"ok":    boolTag(ok),
		},
		map[string]interface{}{
			"request_id":  requestID,
			"duration_ms": d.Milliseconds(),
		},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

func (s *InfluxSink) TierSampled(tier string, snapshot map[string]float64) {
	fields := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		fields[k] = v
	}
	if len(fields) == 0 {
		fields["sampled"] = int64(1)
	}
	p := influxdb2.NewPoint(
		"resource_tier",
		map[string]string{"tier": tier},
		fields,
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

func (s *InfluxSink) BreakerTransition(from, to string) {
	p := influxdb2.NewPoint(
		"breaker_transition",
		map[string]string{"from": from, "to": to},
		map[string]interface{}{"count": int64(1)},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

func (s *InfluxSink) SchedulerCycle(solver string, admitted int, fellBack bool, d time.Duration) {
	p := influxdb2.NewPoint(
		"scheduler_cycle",
		map[string]string{
			"solver":    solver,
			"fell_back": boolTag(fellBack),
		},
		map[string]interface{}{
			"admitted":    int64(admitted),
			"duration_ms": d.Milliseconds(),
		},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (s *InfluxSink) Close() error {
	close(s.done)
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
