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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/VectorForge/services/vectorizer/config"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/resource"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestService assembles a hermetic service: static idle host,
// in-memory cache, fast scheduler, silent logger.
func newTestService(t *testing.T) *service.Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Cache.InMemory = true
	cfg.Scheduler.Interval = config.Duration(20 * time.Millisecond)
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"

	svc, err := service.New(cfg, service.Options{
		Provider: &resource.StaticProvider{Snap: resource.Snapshot{
			CPUHeadroomPct:      90,
			MemHeadroomPct:      85,
			AccelAvailable:      true,
			AccelHeadroomPct:    95,
			AccelMemHeadroomPct: 90,
		}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))
	return svc
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleGenerateReturnsArtifact(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.POST("/generate", HandleGenerate(svc))

	w := postJSON(t, router, "/generate", datatypes.GenerateRequest{
		Prompt: "a paper crane",
		Style:  "line-art",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp datatypes.GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.SVGContent, "<svg")
	assert.NotEmpty(t, resp.Metadata.StagesRun)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandleGenerateRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.POST("/gen", HandleGenerate(svc))

	cases := []struct {
		name string
		body any
	}{
		{"empty prompt", datatypes.GenerateRequest{Prompt: ""}},
		{"oversized prompt", datatypes.GenerateRequest{Prompt: strings.Repeat("x", 2001)}},
		{"control characters", datatypes.GenerateRequest{Prompt: "abc\x00def"}},
		{"bad style token", map[string]any{"prompt": "ok", "style": "Not A Token!"}},
		{"bad priority", map[string]any{"prompt": "ok", "priority": 99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, router, "/gen", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandleGenerateNormalizesStyle(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.POST("/gen", HandleGenerate(svc))

	// Uppercase style is normalized, not rejected.
	w := postJSON(t, router, "/gen", map[string]any{
		"prompt": "a tidy garden",
		"style":  "  FLAT ",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleSubmitAndPollJob(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.POST("/jobs", HandleSubmitJob(svc))
	router.GET("/jobs/:jobId", HandleJobStatus(svc))

	w := postJSON(t, router, "/jobs", datatypes.GenerateRequest{Prompt: "an async bird"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var ack datatypes.JobSubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	require.NotEmpty(t, ack.JobID)

	deadline := time.Now().Add(10 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+ack.JobID, nil)
		wr := httptest.NewRecorder()
		router.ServeHTTP(wr, req)
		require.Equal(t, http.StatusOK, wr.Code)

		var st datatypes.JobStatusResponse
		require.NoError(t, json.Unmarshal(wr.Body.Bytes(), &st))
		if st.Status == datatypes.JobDone {
			require.NotNil(t, st.Result)
			assert.Contains(t, st.Result.SVGContent, "<svg")
			return
		}
		require.NotEqual(t, datatypes.JobFailed, st.Status, "job failed: %s", st.Error)
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", st.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandleJobStatusUnknownID(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.GET("/jobs/:jobId", HandleJobStatus(svc))

	req := httptest.NewRequest(http.MethodGet, "/jobs/28c1e3f0-0000-4000-8000-000000000000", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePipelineStatus(t *testing.T) {
	svc := newTestService(t)
	router := gin.New()
	router.GET("/status", HandlePipelineStatus(svc))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var st service.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "closed", st.Breaker.State)
	assert.NotEmpty(t, st.Tier)
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
