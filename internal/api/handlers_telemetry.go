// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"fmt"
	"net/http"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
)

// maxTelemetryBatch caps one ingest request. Clients flush well below this.
const maxTelemetryBatch = 100

// handleTelemetryIngest accepts a playback event batch and forwards it to
// the telemetry topic. The user ID and server timestamp are stamped here;
// client-supplied values for either are ignored. Returns 202 since
// aggregation happens asynchronously in the telemetry worker.
func (s *Server) handleTelemetryIngest(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in struct {
		Events []models.PlaybackEvent `json:"events"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}
	if len(in.Events) == 0 {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "events must not be empty"))
		return
	}
	if len(in.Events) > maxTelemetryBatch {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation,
			fmt.Sprintf("at most %d events per batch", maxTelemetryBatch)))
		return
	}

	now := s.now().UTC()
	correlationID := logging.CorrelationIDFromContext(r.Context())
	for i := range in.Events {
		event := &in.Events[i]
		if event.TrackID == "" {
			writeProblem(w, r, apperr.Validation(apperr.CodeValidation,
				fmt.Sprintf("events[%d].trackId is required", i)))
			return
		}
		if !models.IsValidPlaybackEventType(event.EventType) {
			writeProblem(w, r, apperr.Validation(apperr.CodeValidation,
				fmt.Sprintf("events[%d].eventType %q is not recognized", i, event.EventType)))
			return
		}
		event.SchemaVersion = models.SchemaVersion
		event.UserID = principal.UserID
		event.ServerTimestamp = now
		event.CorrelationID = correlationID
	}

	// Partitioned by trackId so per-track aggregation stays ordered within
	// one partition.
	for i := range in.Events {
		event := &in.Events[i]
		err := s.publisher.PublishJSON(r.Context(), s.telemetryTopic, event.TrackID,
			"PlaybackEvent", models.SchemaVersion, event)
		if err != nil {
			writeProblem(w, r, apperr.Unavailable("telemetry ingestion is unavailable", err))
			return
		}
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{"accepted": len(in.Events)})
}
