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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/VectorForge/pkg/validation"
	"github.com/AleutianAI/VectorForge/services/vectorizer/datatypes"
	"github.com/AleutianAI/VectorForge/services/vectorizer/pipeline"
	"github.com/AleutianAI/VectorForge/services/vectorizer/service"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const wsWriteTimeout = 10 * time.Second

// HandleJobEvents serves GET /v1/images/jobs/:jobId/events: a
// WebSocket stream of phase transitions and stage completions for one
// async job, terminated by a "done" event or client disconnect.
//
// Subscribing to a finished or unknown job is not an error: the
// current job status (if any) is sent first, so a late subscriber
// still learns the outcome.
func HandleJobEvents(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if err := validation.ValidateRequestID(jobID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Subscribe before the status check so no event can fall into
		// the gap between them.
		events, cancel := svc.Subscribe(jobID)
		defer cancel()

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		st, jobErr := svc.Job(jobID)
		if jobErr == nil {
			if writeWS(ws, gin.H{"action": "job_status", "status": st.Status}) != nil {
				return
			}
			if st.Status == datatypes.JobDone || st.Status == datatypes.JobFailed {
				_ = writeWS(ws, gin.H{"action": "stream_end"})
				return
			}
		} else if errors.Is(jobErr, service.ErrJobNotFound) {
			if writeWS(ws, gin.H{"action": "job_unknown"}) != nil {
				return
			}
		}

		// Drain reads so client close frames are noticed.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-clientGone:
				return
			case ev, ok := <-events:
				if !ok {
					_ = writeWS(ws, gin.H{"action": "stream_end"})
					return
				}
				if writeWS(ws, ev) != nil {
					return
				}
				if ev.Phase == pipeline.PhaseDone.String() {
					_ = writeWS(ws, gin.H{"action": "stream_end"})
					return
				}
			}
		}
	}
}

// writeWS writes one JSON frame under a deadline.
func writeWS(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WriteJSON(v); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}
