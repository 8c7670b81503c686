// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the vectorizer's HTTP routes.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/VectorForge/services/vectorizer/handlers"
	"github.com/AleutianAI/VectorForge/services/vectorizer/middleware"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
	"github.com/AleutianAI/VectorForge/services/vectorizer/telemetry"
)

// SetupRoutes wires the API surface onto the router.
func SetupRoutes(router *gin.Engine, svc *service.Service) {
	router.Use(middleware.RequestID())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		images := v1.Group("/images")
		{
			images.POST("/generations", handlers.HandleGenerate(svc))
			images.POST("/jobs", handlers.HandleSubmitJob(svc))
			images.GET("/jobs/:jobId", handlers.HandleJobStatus(svc))
			images.GET("/jobs/:jobId/events", handlers.HandleJobEvents(svc))
		}
		v1.GET("/pipeline/status", handlers.HandlePipelineStatus(svc))
	}
}
