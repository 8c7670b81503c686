// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux && !darwin

package resource

import (
	"context"
	"fmt"
	"runtime"
)

// stubProbe reports sampling failure on unsupported platforms. The
// classifier contract turns that into the low tier, so the service
// still runs, just conservatively.
type stubProbe struct{}

func newHostProbe(_ commandRunner) hostProbe {
	return stubProbe{}
}

func (stubProbe) CPUHeadroom(context.Context) (float64, error) {
	return 0, fmt.Errorf("cpu sampling unsupported on %s", runtime.GOOS)
}

func (stubProbe) Memory(context.Context) (float64, float64, error) {
	return 0, 0, fmt.Errorf("memory sampling unsupported on %s", runtime.GOOS)
}
