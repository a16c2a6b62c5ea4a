// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/track"
	"github.com/novatune/novatune/internal/upload"
)

// trackPayload is a track with its concurrency version alongside.
type trackPayload struct {
	*models.Track
	Version uint64 `json:"version"`
}

func toTrackPayload(view *track.View) trackPayload {
	return trackPayload{Track: view.Track, Version: view.Version}
}

func (s *Server) handleUploadInitiate(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in upload.InitiateInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	result, err := s.uploads.Initiate(r.Context(), principal.UserID, in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"uploadId":     result.Session.ID,
		"trackId":      result.Session.TrackID,
		"objectKey":    result.Session.ObjectKey,
		"presignedUrl": result.UploadURL.URL,
		"expiresAt":    result.UploadURL.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleUploadGet(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	session, err := s.uploads.GetSession(r.Context(), principal.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

func (s *Server) handleTrackList(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	q := r.URL.Query()
	params := track.ListParams{
		Cursor:         q.Get("cursor"),
		Limit:          limit,
		Search:         q.Get("search"),
		SortBy:         q.Get("sortBy"),
		SortOrder:      q.Get("sortOrder"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
	}

	page, err := s.tracks.List(r.Context(), principal.UserID, params)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	items := make([]trackPayload, len(page.Items))
	for i := range page.Items {
		items[i] = toTrackPayload(&page.Items[i])
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":      items,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handleTrackGet(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	view, err := s.tracks.Get(r.Context(), principal.UserID, principal.IsAdmin(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackPayload(view))
}

func (s *Server) handleTrackUpdate(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in track.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.tracks.Update(r.Context(), principal.UserID, chi.URLParam(r, "id"), in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackPayload(view))
}

func (s *Server) handleTrackDelete(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	trackID := chi.URLParam(r, "id")

	deleted, err := s.tracks.SoftDelete(r.Context(), principal.UserID, trackID)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	if err := s.streams.InvalidateTrack(r.Context(), deleted.UserID, trackID); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("trackId", trackID).Msg("stream cache invalidation failed")
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"id":                  deleted.ID,
		"status":              deleted.Status,
		"deletedAt":           deleted.DeletedAt,
		"scheduledDeletionAt": deleted.ScheduledDeletionAt,
	})
}

func (s *Server) handleTrackRestore(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	view, err := s.tracks.Restore(r.Context(), principal.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackPayload(view))
}

func (s *Server) handleTrackStream(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	url, err := s.streams.Issue(r.Context(), principal.UserID, principal.IsAdmin(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, url)
}
