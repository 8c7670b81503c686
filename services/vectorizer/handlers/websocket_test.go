// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
)

// TestHandleJobEventsStreamsUntilDone submits an async job, attaches
// a websocket subscriber, and reads frames until the stream ends.
func TestHandleJobEventsStreamsUntilDone(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.GET("/jobs/:jobId/events", HandleJobEvents(svc))

	srv := httptest.NewServer(router)
	defer srv.Close()

	ack, err := svc.SubmitJob(context.Background(), datatypes.GenerateRequest{
		Prompt: "a websocket wave",
	})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/" + ack.JobID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sawFrame := false
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Server closed the stream after stream_end.
			break
		}
		sawFrame = true

		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["action"] == "stream_end" {
			break
		}
	}
	assert.True(t, sawFrame, "expected at least one frame before the stream ended")
}

func TestHandleJobEventsRejectsBadID(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.GET("/jobs/:jobId/events", HandleJobEvents(svc))

	req := httptest.NewRequest(http.MethodGet, "/jobs/%20bad%20id/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
