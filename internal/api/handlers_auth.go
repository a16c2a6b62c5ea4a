// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"net/http"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
)

// userPayload strips internal fields from a user document.
type userPayload struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"displayName"`
	Roles            []string   `json:"roles"`
	Status           string     `json:"status"`
	UsedStorageBytes int64      `json:"usedStorageBytes"`
	TrackCount       int        `json:"trackCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserPayload(user *models.User) *userPayload {
	roles := make([]string, len(user.Roles))
	for i, role := range user.Roles {
		roles[i] = string(role)
	}
	return &userPayload{
		ID:               user.ID,
		Email:            user.Email,
		DisplayName:      user.DisplayName,
		Roles:            roles,
		Status:           string(user.Status),
		UsedStorageBytes: user.UsedStorageBytes,
		TrackCount:       user.TrackCount,
		CreatedAt:        user.CreatedAt,
		LastLoginAt:      user.LastLoginAt,
	}
}

type sessionPayload struct {
	User   *userPayload    `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		auth.RegisterInput
		DeviceID string `json:"deviceId,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	user, err := s.auth.Register(r.Context(), in.RegisterInput)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	// Open the first session immediately so clients need no second call.
	pair, _, err := s.auth.Login(r.Context(), auth.LoginInput{
		Email:    in.Email,
		Password: in.Password,
		DeviceID: in.DeviceID,
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sessionPayload{User: toUserPayload(user), Tokens: pair})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}

	pair, user, err := s.auth.Login(r.Context(), in)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sessionPayload{User: toUserPayload(user), Tokens: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}
	if in.RefreshToken == "" {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "refreshToken is required"))
		return
	}

	pair, err := s.auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tokens": pair})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeProblem(w, r, err)
		return
	}
	if in.RefreshToken == "" {
		writeProblem(w, r, apperr.Validation(apperr.CodeValidation, "refreshToken is required"))
		return
	}

	if err := s.auth.Logout(r.Context(), in.RefreshToken); err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if err := s.auth.LogoutAll(r.Context(), principal.UserID); err != nil {
		writeProblem(w, r, err)
		return
	}
	// Cached stream URLs die with the sessions. The cache fails open, so a
	// failed invalidation degrades to a shorter-lived stale URL.
	if err := s.streams.InvalidateUser(r.Context(), principal.UserID); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("stream cache invalidation failed")
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}
