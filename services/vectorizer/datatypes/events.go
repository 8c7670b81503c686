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

import "time"

// ProgressEvent is one entry in a request's progress stream, emitted
// on phase transitions and stage completions and fanned out to
// websocket subscribers. Slow subscribers are dropped, never blocking
// the pipeline.
type ProgressEvent struct {
	RequestID  string `json:"request_id"`
	Phase      string `json:"phase"`
	Stage      string `json:"stage,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// NewProgressEvent stamps an event with the current time.
func NewProgressEvent(requestID, phase string) ProgressEvent {
	return ProgressEvent{
		RequestID: requestID,
		Phase:     phase,
		Timestamp: time.Now().UnixMilli(),
	}
}
