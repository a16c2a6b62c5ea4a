// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/models"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID string
	Roles  []models.Role
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == models.RoleAdmin {
			return true
		}
	}
	return false
}

type principalKey struct{}

// ContextWithPrincipal attaches the principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// VerifyRequest authenticates an HTTP request from its bearer token.
func (m *TokenManager) VerifyRequest(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, apperr.Unauthorized(apperr.CodeInvalidToken, "missing authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return nil, apperr.Unauthorized(apperr.CodeInvalidToken, "authorization header must use the Bearer scheme")
	}

	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	roles := make([]models.Role, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = models.Role(r)
	}
	return &Principal{UserID: claims.Subject, Roles: roles}, nil
}
