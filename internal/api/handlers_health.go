// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"context"
	"net/http"
	"time"
)

// healthProbeTimeout bounds each dependency probe so one hung dependency
// cannot stall the readiness endpoint.
const healthProbeTimeout = 2 * time.Second

// handleAlive is trivial liveness: the process is up and serving.
func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth is readiness: every registered dependency probe must pass.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type checkResult struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	results := make(map[string]checkResult, len(s.checks))
	healthy := true
	for _, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		err := check.Probe(ctx)
		cancel()
		if err != nil {
			healthy = false
			results[check.Name] = checkResult{Status: "unhealthy", Error: err.Error()}
			continue
		}
		results[check.Name] = checkResult{Status: "ok"}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, r, status, map[string]any{
		"status": overall,
		"checks": results,
	})
}
