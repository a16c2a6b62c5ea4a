// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package middleware holds the HTTP middleware shared by the API router:
// request identification, request logging, Prometheus instrumentation, and
// response compression.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/novatune/novatune/internal/logging"
)

// RequestID assigns each request a unique ID and a fresh correlation ID.
// An upstream X-Request-ID header is honored so a reverse proxy can stitch
// its own traces together; the ID is echoed on the response either way.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.ContextWithNewCorrelationID(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
