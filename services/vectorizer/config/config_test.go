// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectorforge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// TestDefaultConfig_IsValid verifies the compiled defaults pass their
// own validation.
func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() failed validation: %v", err)
	}

	if cfg.Port != 8086 {
		t.Errorf("Port = %d, want 8086", cfg.Port)
	}
	if cfg.DetailBackend != "procedural" {
		t.Errorf("DetailBackend = %q, want %q", cfg.DetailBackend, "procedural")
	}
	if cfg.Timeouts.Detail.Std() != 120*time.Second {
		t.Errorf("Timeouts.Detail = %v, want 120s", cfg.Timeouts.Detail.Std())
	}
	if cfg.Scheduler.QueueCapacity != 128 {
		t.Errorf("Scheduler.QueueCapacity = %d, want 128", cfg.Scheduler.QueueCapacity)
	}
}

// TestLoad_NoFileUsesDefaults verifies an empty path loads pure
// defaults.
func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Port != want.Port || cfg.LogLevel != want.LogLevel {
		t.Errorf("Load(\"\") = port %d level %q, want port %d level %q",
			cfg.Port, cfg.LogLevel, want.Port, want.LogLevel)
	}
}

// TestLoad_MissingFileIsError verifies a named-but-absent file fails
// loudly instead of silently running on defaults.
func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() with missing file should fail")
	}
}

// TestLoad_FileOverridesDefaults verifies YAML values win over
// compiled defaults while unset keys keep them.
func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
port: 9090
log_level: debug
scheduler:
  max_concurrent: 4
  max_queue_wait: 10s
stage_timeouts:
  detail: 45s
tiers:
  headroom_high: 70
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Errorf("Scheduler.MaxConcurrent = %d, want 4", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.MaxQueueWait.Std() != 10*time.Second {
		t.Errorf("Scheduler.MaxQueueWait = %v, want 10s", cfg.Scheduler.MaxQueueWait.Std())
	}
	if cfg.Timeouts.Detail.Std() != 45*time.Second {
		t.Errorf("Timeouts.Detail = %v, want 45s", cfg.Timeouts.Detail.Std())
	}
	if cfg.Tiers.HeadroomHigh != 70 {
		t.Errorf("Tiers.HeadroomHigh = %f, want 70", cfg.Tiers.HeadroomHigh)
	}

	// Keys the file never mentions keep their defaults.
	if cfg.Scheduler.QueueCapacity != 128 {
		t.Errorf("Scheduler.QueueCapacity = %d, want default 128", cfg.Scheduler.QueueCapacity)
	}
	if cfg.Timeouts.Template.Std() != 5*time.Second {
		t.Errorf("Timeouts.Template = %v, want default 5s", cfg.Timeouts.Template.Std())
	}
}

// TestLoad_EnvBeatsFile verifies the override order: defaults, then
// file, then environment.
func TestLoad_EnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "port: 9090\nlog_level: debug\n")

	t.Setenv("VECTORFORGE_PORT", "7070")
	t.Setenv("VECTORFORGE_TIMEOUT_DETAIL", "90s")
	t.Setenv("VECTORFORGE_CACHE_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want env override 7070", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want file value %q", cfg.LogLevel, "debug")
	}
	if cfg.Timeouts.Detail.Std() != 90*time.Second {
		t.Errorf("Timeouts.Detail = %v, want env override 90s", cfg.Timeouts.Detail.Std())
	}
	if cfg.Cache.Enabled {
		t.Error("Cache.Enabled = true, want env override false")
	}
}

// TestLoad_RejectsInvalidValues verifies validation catches both tag
// violations and cross-field rules after all layers are merged.
func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"port out of range", "port: 70000\n"},
		{"unknown log level", "log_level: verbose\n"},
		{"unknown detail backend", "detail_backend: diffusion\n"},
		{"inverted tier thresholds", "tiers:\n  headroom_high: 20\n  headroom_medium: 50\n"},
		{"zero weights", "quality_weights:\n  template: 0\n  detail: 0\n  optimize: 0\n"},
		{"persistent cache without dir", "cache:\n  enabled: true\n  dir: \"\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted invalid config:\n%s", tc.yaml)
			}
		})
	}
}

// TestLoad_MalformedYAMLIsError verifies parse failures are surfaced.
func TestLoad_MalformedYAMLIsError(t *testing.T) {
	path := writeConfigFile(t, "port: [not a port\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted malformed YAML")
	}
}

// TestDuration_YAMLForms verifies both encodings: human-readable
// strings and bare nanosecond integers.
func TestDuration_YAMLForms(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	input := "a: 1500ms\nb: 2000000000\n"
	if err := yaml.Unmarshal([]byte(input), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.A.Std() != 1500*time.Millisecond {
		t.Errorf("a = %v, want 1.5s", out.A.Std())
	}
	if out.B.Std() != 2*time.Second {
		t.Errorf("b = %v, want 2s", out.B.Std())
	}

	encoded, err := yaml.Marshal(out)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var round struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	if err := yaml.Unmarshal(encoded, &round); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if round.A != out.A || round.B != out.B {
		t.Errorf("round trip changed values: %v/%v -> %v/%v", out.A, out.B, round.A, round.B)
	}
}

// TestDuration_RejectsBadString verifies garbage strings fail.
func TestDuration_RejectsBadString(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
	}
	if err := yaml.Unmarshal([]byte("a: soon\n"), &out); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

// TestConfig_StageSpecsAppliesWeights verifies the configured weights
// replace the stock ones while costs and dependencies survive.
func TestConfig_StageSpecsAppliesWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Template: 0.2, Detail: 0.7, Optimize: 0.1}

	specs := cfg.StageSpecs()
	if got := specs[datatypes.StageDetail].QualityWeight; got != 0.7 {
		t.Errorf("detail weight = %f, want 0.7", got)
	}
	if got := specs[datatypes.StageTemplate].QualityWeight; got != 0.2 {
		t.Errorf("template weight = %f, want 0.2", got)
	}
	stock := datatypes.DefaultStageSpecs()
	if specs[datatypes.StageDetail].Cost != stock[datatypes.StageDetail].Cost {
		t.Error("StageSpecs() should not alter stage costs")
	}
	if specs[datatypes.StageOptimize].DependsOn != stock[datatypes.StageOptimize].DependsOn {
		t.Error("StageSpecs() should not alter stage dependencies")
	}
}

// TestConfig_StageTimeouts verifies the timeout map covers every
// pipeline stage.
func TestConfig_StageTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.Optimize = Duration(7 * time.Second)

	timeouts := cfg.StageTimeouts()
	for _, stage := range datatypes.Stages() {
		if timeouts[stage] <= 0 {
			t.Errorf("stage %s has no timeout", stage)
		}
	}
	if timeouts[datatypes.StageOptimize] != 7*time.Second {
		t.Errorf("optimize timeout = %v, want 7s", timeouts[datatypes.StageOptimize])
	}
}

// TestConfig_SlogLevel verifies the level mapping.
func TestConfig_SlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		cfg := DefaultConfig()
		cfg.LogLevel = name
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
