// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/playlist"
)

type playlistPayload struct {
	*models.Playlist
	Version uint64 `json:"version"`
}

func toPlaylistPayload(view *playlist.View) playlistPayload {
	return playlistPayload{Playlist: view.Playlist, Version: view.Version}
}

func (s *Server) handlePlaylistCreate(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in playlist.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.playlists.Create(r.Context(), principal.UserID, in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toPlaylistPayload(view))
}

func (s *Server) handlePlaylistList(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	page, err := s.playlists.List(r.Context(), principal.UserID, playlist.ListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
		Search: r.URL.Query().Get("search"),
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	items := make([]playlistPayload, len(page.Items))
	for i := range page.Items {
		items[i] = toPlaylistPayload(&page.Items[i])
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"items":      items,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handlePlaylistGet(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	view, err := s.playlists.Get(r.Context(), principal.UserID, principal.IsAdmin(), chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPlaylistPayload(view))
}

func (s *Server) handlePlaylistUpdate(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in playlist.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.playlists.Update(r.Context(), principal.UserID, chi.URLParam(r, "id"), in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPlaylistPayload(view))
}

func (s *Server) handlePlaylistDelete(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	if err := s.playlists.Delete(r.Context(), principal.UserID, chi.URLParam(r, "id")); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) handlePlaylistAddTracks(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in playlist.AddTracksInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	view, err := s.playlists.AddTracks(r.Context(), principal.UserID, chi.URLParam(r, "id"), in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPlaylistPayload(view))
}

func (s *Server) handlePlaylistRemoveAt(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	position, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "position must be an integer"))
		return
	}
	version, err := queryInt(r, "version", 0)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if version <= 0 {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "version query parameter is required"))
		return
	}

	view, err := s.playlists.RemoveAt(r.Context(), principal.UserID, chi.URLParam(r, "id"), position, uint64(version))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPlaylistPayload(view))
}

func (s *Server) handlePlaylistReorder(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	var in struct {
		Moves   []playlist.Move `json:"moves"`
		Version uint64          `json:"version"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}
	if in.Version == 0 {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "version is required"))
		return
	}

	view, err := s.playlists.Reorder(r.Context(), principal.UserID, chi.URLParam(r, "id"), in.Moves, in.Version)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPlaylistPayload(view))
}
