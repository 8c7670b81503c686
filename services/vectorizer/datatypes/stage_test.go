// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"math"
	"testing"
)

func TestStage_Valid(t *testing.T) {
	tests := []struct {
		stage Stage
		want  bool
	}{
		{StageTemplate, true},
		{StageDetail, true},
		{StageOptimize, true},
		{Stage("raster"), false},
		{Stage(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			if got := tt.stage.Valid(); got != tt.want {
				t.Errorf("Stage(%q).Valid() = %v, want %v", tt.stage, got, tt.want)
			}
		})
	}
}

func TestStages_DependencyOrder(t *testing.T) {
	got := Stages()
	want := []Stage{StageTemplate, StageDetail, StageOptimize}
	if len(got) != len(want) {
		t.Fatalf("Stages() returned %d stages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Stages()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestResourceVector_AddSub(t *testing.T) {
	a := ResourceVector{CPU: 0.3, Mem: 0.2, Accel: 0.1}
	b := ResourceVector{CPU: 0.1, Mem: 0.1, AccelMem: 0.05}

	sum := a.Add(b)
	if math.Abs(sum.CPU-0.4) > 1e-9 || math.Abs(sum.Mem-0.3) > 1e-9 {
		t.Errorf("Add() = %+v", sum)
	}
	if sum.AccelMem != 0.05 {
		t.Errorf("Add() AccelMem = %f, want 0.05", sum.AccelMem)
	}

	diff := a.Sub(b)
	if math.Abs(diff.CPU-0.2) > 1e-9 || math.Abs(diff.Mem-0.1) > 1e-9 {
		t.Errorf("Sub() = %+v", diff)
	}
	// Sub clamps at zero: a has no AccelMem to give back.
	if diff.AccelMem != 0 {
		t.Errorf("Sub() AccelMem = %f, want 0 (clamped)", diff.AccelMem)
	}
}

func TestResourceVector_Fits(t *testing.T) {
	capacity := ResourceVector{CPU: 0.4, Mem: 0.4}

	tests := []struct {
		name string
		v    ResourceVector
		want bool
	}{
		{"zero always fits", ResourceVector{}, true},
		{"within", ResourceVector{CPU: 0.4, Mem: 0.3}, true},
		{"cpu exceeds", ResourceVector{CPU: 0.41}, false},
		{"accel on accel-less capacity", ResourceVector{Accel: 0.01}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Fits(capacity); got != tt.want {
				t.Errorf("Fits() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResourceVector_Scalar(t *testing.T) {
	v := ResourceVector{CPU: 0.1, Mem: 0.2, Accel: 0.3, AccelMem: 0.4}
	if got := v.Scalar(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Scalar() = %f, want 1.0", got)
	}
	if got := (ResourceVector{}).Scalar(); got != 0 {
		t.Errorf("zero Scalar() = %f, want 0", got)
	}
}

func TestDefaultStageSpecs(t *testing.T) {
	specs := DefaultStageSpecs()

	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}

	var sum float64
	for _, s := range specs {
		sum += s.QualityWeight
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("quality weights sum to %f, want 1.0", sum)
	}

	// Dependency chain: template <- detail <- optimize.
	if specs[StageTemplate].DependsOn != "" {
		t.Errorf("template DependsOn = %q, want none", specs[StageTemplate].DependsOn)
	}
	if specs[StageDetail].DependsOn != StageTemplate {
		t.Errorf("detail DependsOn = %q, want template", specs[StageDetail].DependsOn)
	}
	if specs[StageOptimize].DependsOn != StageDetail {
		t.Errorf("optimize DependsOn = %q, want detail", specs[StageOptimize].DependsOn)
	}

	// Template and optimize must run without an accelerator.
	if specs[StageTemplate].Cost.Accel != 0 || specs[StageTemplate].Cost.AccelMem != 0 {
		t.Error("template must have zero accelerator cost")
	}
	if specs[StageOptimize].Cost.Accel != 0 || specs[StageOptimize].Cost.AccelMem != 0 {
		t.Error("optimize must have zero accelerator cost")
	}
	if specs[StageDetail].Cost.Accel <= 0 {
		t.Error("detail must have a positive accelerator cost")
	}
}

func TestNormalizeWeights(t *testing.T) {
	specs := map[Stage]StageSpec{
		StageTemplate: {Name: StageTemplate, QualityWeight: 3},
		StageDetail:   {Name: StageDetail, QualityWeight: 1},
		StageOptimize: {Name: StageOptimize, QualityWeight: 1},
	}
	if err := NormalizeWeights(specs); err != nil {
		t.Fatalf("NormalizeWeights() error: %v", err)
	}
	if math.Abs(specs[StageTemplate].QualityWeight-0.6) > 1e-9 {
		t.Errorf("template weight = %f, want 0.6", specs[StageTemplate].QualityWeight)
	}

	bad := map[Stage]StageSpec{
		StageTemplate: {Name: StageTemplate, QualityWeight: 0},
	}
	if err := NormalizeWeights(bad); err == nil {
		t.Error("expected error for zero weight sum")
	}

	neg := map[Stage]StageSpec{
		StageTemplate: {Name: StageTemplate, QualityWeight: -1},
		StageDetail:   {Name: StageDetail, QualityWeight: 2},
	}
	if err := NormalizeWeights(neg); err == nil {
		t.Error("expected error for negative weight")
	}
}

func TestScheduleDecision_Includes(t *testing.T) {
	d := ScheduleDecision{
		RequestID:   "req-1",
		StagesToRun: []Stage{StageTemplate, StageDetail},
	}
	if !d.Includes(StageTemplate) || !d.Includes(StageDetail) {
		t.Error("Includes() missed granted stages")
	}
	if d.Includes(StageOptimize) {
		t.Error("Includes() reported an ungranted stage")
	}
	empty := ScheduleDecision{RequestID: "req-2"}
	if empty.Includes(StageTemplate) {
		t.Error("empty grant should include nothing")
	}
}
