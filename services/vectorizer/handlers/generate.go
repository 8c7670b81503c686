// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the vectorizer's HTTP surface.
//
// Handlers are thin: they bind and validate input, delegate to the
// service façade, and map service errors onto HTTP statuses. Every
// pipeline outcome short of queue saturation yields 200 with an
// artifact — degraded and fallback results are still results.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/VectorForge/pkg/validation"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/pipeline"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
)

var handlerTracer = otel.Tracer("vectorforge.handlers")

// bindGenerateRequest binds and fully validates a generation request.
// Struct tags catch shape errors; pkg/validation catches control
// characters and malformed style tokens before anything reaches the
// scheduler or a cache key.
func bindGenerateRequest(c *gin.Context) (datatypes.GenerateRequest, bool) {
	var req datatypes.GenerateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return req, false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if err := validation.ValidatePrompt(req.Prompt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	style, err := validation.SanitizeStyle(req.Style)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	req.Style = style
	return req, true
}

// HandleGenerate serves POST /v1/images/generations: one synchronous
// generation, blocking until the pipeline (or its fallback) produces
// an artifact.
func HandleGenerate(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleGenerate")
		defer span.End()

		req, ok := bindGenerateRequest(c)
		if !ok {
			return
		}

		resp, err := svc.Generate(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			switch {
			case errors.Is(err, pipeline.ErrQueueFull):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "service is at capacity, retry later"})
			case errors.Is(err, ctx.Err()):
				// Client went away; nothing useful to write.
				c.Status(http.StatusRequestTimeout)
			default:
				slog.Error("generation failed with no artifact", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "generation failed"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
