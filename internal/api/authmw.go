// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"net/http"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/logging"
)

// requireAuth verifies the bearer token and attaches the principal to the
// request context. Downstream handlers may assume PrincipalFromContext is
// non-nil.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.tokens.VerifyRequest(r)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the admin surface. Runs after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.PrincipalFromContext(r.Context())
		if principal == nil || !principal.IsAdmin() {
			writeProblem(w, r, apperr.Forbidden(apperr.CodeAccessDenied, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer converts handler panics into 500 problem responses so one bad
// request cannot take the process down.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panic")
				writeProblem(w, r, apperr.Internal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
