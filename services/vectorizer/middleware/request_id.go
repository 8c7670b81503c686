// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the vectorizer
// service.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/VectorForge/pkg/validation"
)

// RequestIDHeader carries the correlation id on requests and
// responses.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key for the correlation id. Typed
// key string kept package-private so handlers go through GetRequestID.
const requestIDKey = "vectorforge_request_id"

// RequestID attaches a correlation id to every request: the client's
// X-Request-ID when it is a well-formed id, a fresh UUID otherwise.
// The id is echoed on the response and stored in the gin context for
// handlers and logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if validation.ValidateRequestID(id) != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the correlation id set by RequestID, or the
// empty string outside the middleware chain.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
