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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/VectorForge/pkg/validation"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
)

// HandleSubmitJob serves POST /v1/images/jobs: async submission,
// returning a job id immediately.
func HandleSubmitJob(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleSubmitJob")
		defer span.End()

		req, ok := bindGenerateRequest(c)
		if !ok {
			return
		}

		ack, err := svc.SubmitJob(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "service is at capacity, retry later"})
			return
		}
		c.JSON(http.StatusAccepted, ack)
	}
}

// HandleJobStatus serves GET /v1/images/jobs/:jobId.
func HandleJobStatus(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if err := validation.ValidateRequestID(jobID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		st, err := svc.Job(jobID)
		if err != nil {
			if errors.Is(err, service.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}
