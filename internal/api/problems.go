// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package api exposes the HTTP surface: a chi router over the domain
// services, with RFC 7807 problem+json as the single error vocabulary.
package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/logging"
)

// problemTypeBase prefixes every problem "type" URI; the final segment is
// the machine-readable error code.
const problemTypeBase = "https://novatune.dev/problems/"

// kindStatus maps each error kind to its HTTP status.
func kindStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindGone:
		return http.StatusGone
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindTitle is the human-readable summary for each status class.
func kindTitle(kind apperr.Kind) string {
	switch kind {
	case apperr.KindValidation:
		return "Invalid request"
	case apperr.KindUnauthorized:
		return "Authentication required"
	case apperr.KindForbidden:
		return "Access denied"
	case apperr.KindNotFound:
		return "Resource not found"
	case apperr.KindConflict:
		return "Conflict"
	case apperr.KindGone:
		return "No longer available"
	case apperr.KindRateLimited:
		return "Rate limit exceeded"
	case apperr.KindUnavailable:
		return "Service unavailable"
	default:
		return "Internal server error"
	}
}

// writeProblem renders err as problem+json. Extensions are folded into the
// top-level object per RFC 7807; internal errors are logged with their cause
// and surfaced without detail.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.FromError(err)
	status := kindStatus(appErr.Kind)

	if appErr.Kind == apperr.KindInternal {
		logging.Ctx(r.Context()).Error().Err(appErr).Msg("request failed")
	} else if appErr.Kind == apperr.KindUnavailable {
		logging.Ctx(r.Context()).Warn().Err(appErr).Msg("dependency unavailable")
	}

	body := map[string]any{
		"type":     problemTypeBase + appErr.Code,
		"title":    kindTitle(appErr.Kind),
		"status":   status,
		"detail":   appErr.Message,
		"instance": r.URL.Path,
		"traceId":  logging.RequestIDFromContext(r.Context()),
	}
	if appErr.Kind == apperr.KindInternal {
		body["detail"] = "an unexpected error occurred"
	}
	for key, value := range appErr.Extensions {
		body[key] = value
	}
	if appErr.Kind == apperr.KindRateLimited {
		if retry, ok := appErr.Extensions["retryAfterSeconds"]; ok {
			if seconds, ok := retry.(int); ok {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
		}
	}

	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logging.Ctx(r.Context()).Error().Err(encodeErr).Msg("failed to encode problem response")
	}
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
