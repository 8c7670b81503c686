// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the vectorizer's configuration.
//
// # Description
//
// Configuration resolves in three layers: compiled defaults, then an
// optional YAML file, then VECTORFORGE_* environment variables, with
// later layers winning. The merged result is validated as a whole;
// the service never starts on an invalid configuration.
//
// Tunables (tier thresholds, quality weights, breaker and scheduler
// knobs, stage timeouts) can be hot-reloaded from the YAML file via a
// Store — see watch.go.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
)

var cfgValidate = validator.New()

// =============================================================================
// Duration
// =============================================================================

// Duration wraps time.Duration so YAML accepts "500ms"-style strings.
// Bare integers are taken as nanoseconds, matching time.Duration's
// native encoding.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// =============================================================================
// Config
// =============================================================================

// Config is the full service configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogFormat is json or text.
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`

	// Tiers holds the resource tier classification thresholds.
	Tiers resource.Thresholds `yaml:"tiers"`

	// Weights are the per-stage marginal quality weights the scheduler
	// optimizes. They are normalized to sum to 1 at wiring time.
	Weights Weights `yaml:"quality_weights"`

	// Breaker tunes the shared circuit breaker.
	Breaker Breaker `yaml:"breaker"`

	// Scheduler tunes admission control.
	Scheduler Scheduler `yaml:"scheduler"`

	// Timeouts are per-stage hard deadlines.
	Timeouts Timeouts `yaml:"stage_timeouts"`

	// DetailBackend picks the detail-stage implementation.
	DetailBackend string `yaml:"detail_backend" validate:"oneof=procedural openai"`

	// Cache configures the result cache.
	Cache Cache `yaml:"cache"`

	// Sampling tunes the host capacity probe.
	Sampling Sampling `yaml:"sampling"`

	// Telemetry selects trace/metric exporters.
	Telemetry Telemetry `yaml:"telemetry"`
}

// Weights are the stage quality weights.
type Weights struct {
	Template float64 `yaml:"template" validate:"gte=0"`
	Detail   float64 `yaml:"detail" validate:"gte=0"`
	Optimize float64 `yaml:"optimize" validate:"gte=0"`
}

// Breaker tunes the circuit breaker.
type Breaker struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"gte=1"`
	ResetTimeout     Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// Scheduler tunes the admission scheduler.
type Scheduler struct {
	Interval      Duration `yaml:"interval" validate:"gt=0"`
	TriggerDepth  int      `yaml:"trigger_depth" validate:"gte=1"`
	MaxConcurrent int      `yaml:"max_concurrent" validate:"gte=1"`
	MaxRequeues   int      `yaml:"max_requeues" validate:"gte=1"`
	QueueCapacity int      `yaml:"queue_capacity" validate:"gte=1"`
	MaxQueueWait  Duration `yaml:"max_queue_wait" validate:"gt=0"`
}

// Timeouts are the per-stage hard deadlines.
type Timeouts struct {
	Template Duration `yaml:"template" validate:"gt=0"`
	Detail   Duration `yaml:"detail" validate:"gt=0"`
	Optimize Duration `yaml:"optimize" validate:"gt=0"`
}

// Cache configures the result cache.
type Cache struct {
	Enabled  bool     `yaml:"enabled"`
	Dir      string   `yaml:"dir"`
	InMemory bool     `yaml:"in_memory"`
	TTL      Duration `yaml:"ttl" validate:"gt=0"`
}

// Sampling tunes the resource probe.
type Sampling struct {
	// Window bounds one full probe, external commands included.
	Window Duration `yaml:"window" validate:"gt=0"`

	// ProbeInterval is the minimum spacing between real probes.
	ProbeInterval Duration `yaml:"probe_interval" validate:"gt=0"`

	// DisableAccel skips the accelerator probe entirely.
	DisableAccel bool `yaml:"disable_accel"`
}

// Telemetry selects exporters. The OTLP endpoint may also come from
// the standard OTEL_EXPORTER_OTLP_ENDPOINT variable.
type Telemetry struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus otlp stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:      8086,
		LogLevel:  "info",
		LogFormat: "json",
		Tiers:     resource.DefaultThresholds(),
		Weights:   Weights{Template: 0.6, Detail: 0.3, Optimize: 0.1},
		Breaker: Breaker{
			FailureThreshold: 3,
			ResetTimeout:     Duration(30 * time.Second),
		},
		Scheduler: Scheduler{
			Interval:      Duration(500 * time.Millisecond),
			TriggerDepth:  4,
			MaxConcurrent: 16,
			MaxRequeues:   8,
			QueueCapacity: 128,
			MaxQueueWait:  Duration(30 * time.Second),
		},
		Timeouts: Timeouts{
			Template: Duration(5 * time.Second),
			Detail:   Duration(120 * time.Second),
			Optimize: Duration(30 * time.Second),
		},
		DetailBackend: "procedural",
		Cache: Cache{
			Enabled: true,
			Dir:     "/var/lib/vectorforge/cache",
			TTL:     Duration(24 * time.Hour),
		},
		Sampling: Sampling{
			Window:        Duration(200 * time.Millisecond),
			ProbeInterval: Duration(2 * time.Second),
		},
		Telemetry: Telemetry{
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
		},
	}
}

// Load resolves the configuration: defaults, then the optional YAML
// file at path, then environment variables, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the merged configuration as a whole.
func (c *Config) Validate() error {
	if err := cfgValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Tiers.Validate(); err != nil {
		return fmt.Errorf("invalid tier thresholds: %w", err)
	}
	if c.Weights.Template+c.Weights.Detail+c.Weights.Optimize <= 0 {
		return fmt.Errorf("quality weights sum to zero")
	}
	if c.Cache.Enabled && !c.Cache.InMemory && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required when the persistent cache is enabled")
	}
	return nil
}

// =============================================================================
// Derived Views
// =============================================================================

// StageSpecs returns the stock stage specs with the configured quality
// weights applied. The scheduler normalizes them at construction.
func (c *Config) StageSpecs() map[datatypes.Stage]datatypes.StageSpec {
	specs := datatypes.DefaultStageSpecs()
	for stage, w := range map[datatypes.Stage]float64{
		datatypes.StageTemplate: c.Weights.Template,
		datatypes.StageDetail:   c.Weights.Detail,
		datatypes.StageOptimize: c.Weights.Optimize,
	} {
		s := specs[stage]
		s.QualityWeight = w
		specs[stage] = s
	}
	return specs
}

// StageTimeouts returns the configured per-stage deadlines keyed for
// the pipeline controller.
func (c *Config) StageTimeouts() map[datatypes.Stage]time.Duration {
	return map[datatypes.Stage]time.Duration{
		datatypes.StageTemplate: c.Timeouts.Template.Std(),
		datatypes.StageDetail:   c.Timeouts.Detail.Std(),
		datatypes.StageOptimize: c.Timeouts.Optimize.Std(),
	}
}

// SlogLevel maps the configured log level onto slog's scale.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Environment Overrides
// =============================================================================

func applyEnv(cfg *Config) {
	envInt("VECTORFORGE_PORT", &cfg.Port)
	envStr("VECTORFORGE_LOG_LEVEL", &cfg.LogLevel)
	envStr("VECTORFORGE_LOG_FORMAT", &cfg.LogFormat)

	envFloat("VECTORFORGE_TIER_HEADROOM_HIGH", &cfg.Tiers.HeadroomHigh)
	envFloat("VECTORFORGE_TIER_HEADROOM_MEDIUM", &cfg.Tiers.HeadroomMedium)
	envFloat("VECTORFORGE_TIER_SWAP_HIGH", &cfg.Tiers.SwapHigh)
	envFloat("VECTORFORGE_TIER_SWAP_MEDIUM", &cfg.Tiers.SwapMedium)

	envFloat("VECTORFORGE_WEIGHT_TEMPLATE", &cfg.Weights.Template)
	envFloat("VECTORFORGE_WEIGHT_DETAIL", &cfg.Weights.Detail)
	envFloat("VECTORFORGE_WEIGHT_OPTIMIZE", &cfg.Weights.Optimize)

	envInt("VECTORFORGE_BREAKER_FAILURES", &cfg.Breaker.FailureThreshold)
	envDuration("VECTORFORGE_BREAKER_RESET", &cfg.Breaker.ResetTimeout)

	envDuration("VECTORFORGE_SCHED_INTERVAL", &cfg.Scheduler.Interval)
	envInt("VECTORFORGE_SCHED_TRIGGER_DEPTH", &cfg.Scheduler.TriggerDepth)
	envInt("VECTORFORGE_MAX_CONCURRENT", &cfg.Scheduler.MaxConcurrent)
	envInt("VECTORFORGE_MAX_REQUEUES", &cfg.Scheduler.MaxRequeues)
	envInt("VECTORFORGE_QUEUE_CAPACITY", &cfg.Scheduler.QueueCapacity)
	envDuration("VECTORFORGE_MAX_QUEUE_WAIT", &cfg.Scheduler.MaxQueueWait)

	envDuration("VECTORFORGE_TIMEOUT_TEMPLATE", &cfg.Timeouts.Template)
	envDuration("VECTORFORGE_TIMEOUT_DETAIL", &cfg.Timeouts.Detail)
	envDuration("VECTORFORGE_TIMEOUT_OPTIMIZE", &cfg.Timeouts.Optimize)

	envStr("VECTORFORGE_DETAIL_BACKEND", &cfg.DetailBackend)

	envBool("VECTORFORGE_CACHE_ENABLED", &cfg.Cache.Enabled)
	envStr("VECTORFORGE_CACHE_DIR", &cfg.Cache.Dir)
	envBool("VECTORFORGE_CACHE_IN_MEMORY", &cfg.Cache.InMemory)
	envDuration("VECTORFORGE_CACHE_TTL", &cfg.Cache.TTL)

	envDuration("VECTORFORGE_SAMPLE_WINDOW", &cfg.Sampling.Window)
	envDuration("VECTORFORGE_PROBE_INTERVAL", &cfg.Sampling.ProbeInterval)
	envBool("VECTORFORGE_DISABLE_ACCEL_PROBE", &cfg.Sampling.DisableAccel)

	envStr("VECTORFORGE_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	envStr("VECTORFORGE_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	envBool("VECTORFORGE_OTLP_INSECURE", &cfg.Telemetry.OTLPInsecure)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
