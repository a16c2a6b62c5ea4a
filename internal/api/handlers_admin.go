// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/novatune/novatune/internal/admin"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/models"
)

// actorFromRequest identifies the admin for the audit trail.
func (s *Server) actorFromRequest(r *http.Request) admin.Actor {
	principal := auth.PrincipalFromContext(r.Context())
	actor := admin.Actor{
		UserID:    principal.UserID,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if user, err := s.auth.GetUser(r.Context(), principal.UserID); err == nil {
		actor.Email = user.Email
	}
	return actor
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.admin.ListUsers(r.Context(), admin.ListUsersParams{
		Cursor: q.Get("cursor"),
		Limit:  limit,
		Search: q.Get("search"),
		Status: models.UserStatus(q.Get("status")),
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":      page.Items,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toUserPayload(user))
}

func (s *Server) handleAdminSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status     string `json:"status"`
		ReasonCode string `json:"reasonCode"`
		ReasonText string `json:"reasonText,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.admin.SetUserStatus(r.Context(), s.actorFromRequest(r), chi.URLParam(r, "id"),
		admin.SetUserStatusInput{
			Status:     models.UserStatus(in.Status),
			ReasonCode: in.ReasonCode,
			ReasonText: in.ReasonText,
		})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleAdminListTracks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.admin.ListTracks(r.Context(), admin.ListTracksParams{
		Cursor: q.Get("cursor"),
		Limit:  limit,
		Search: q.Get("search"),
		UserID: q.Get("userId"),
		Status: models.TrackStatus(q.Get("status")),
	})
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

func (s *Server) handleAdminGetTrack(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	view, err := s.tracks.Get(r.Context(), principal.UserID, true, chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackPayload(view))
}

func (s *Server) handleAdminModerateTrack(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status     string `json:"status"`
		ReasonCode string `json:"reasonCode"`
		ReasonText string `json:"reasonText,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.admin.ModerateTrack(r.Context(), s.actorFromRequest(r), chi.URLParam(r, "id"),
		admin.ModerateTrackInput{
			Status:     models.ModerationStatus(in.Status),
			ReasonCode: in.ReasonCode,
			ReasonText: in.ReasonText,
		})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackPayload(view))
}

func (s *Server) handleAdminDeleteTrack(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ReasonCode string `json:"reasonCode"`
		ReasonText string `json:"reasonText,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	deleted, err := s.admin.DeleteTrack(r.Context(), s.actorFromRequest(r), chi.URLParam(r, "id"),
		in.ReasonCode, in.ReasonText)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"id":                  deleted.ID,
		"status":              deleted.Status,
		"scheduledDeletionAt": deleted.ScheduledDeletionAt,
	})
}

func (s *Server) handleAdminAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	overview, err := s.admin.AnalyticsOverview(r.Context(), days)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, overview)
}

func (s *Server) handleAdminTopTracks(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	top, err := s.admin.TopTracks(r.Context(), days, limit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": top})
}

func (s *Server) handleAdminActiveUsers(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	users, err := s.admin.ActiveUsers(r.Context(), days, limit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": users})
}

func (s *Server) handleAdminListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	entries, err := s.admin.ListAuditLog(r.Context(), r.URL.Query().Get("before"), limit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	next := ""
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":  entries,
		"before": next,
	})
}

func (s *Server) handleAdminVerifyAudit(w http.ResponseWriter, r *http.Request) {
	result, err := s.admin.VerifyAuditLog(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	invalid := 0
	invalidIDs := []string{}
	if result.BrokenEntryID != "" {
		invalid = 1
		invalidIDs = append(invalidIDs, result.BrokenEntryID)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"isValid":         invalid == 0,
		"entriesChecked":  result.EntriesChecked,
		"invalidEntries":  invalid,
		"invalidAuditIds": invalidIDs,
	})
}
