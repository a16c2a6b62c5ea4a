// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/models"
)

// Claims are the access-token claims. The subject is the user ID; roles ride
// along so authorization checks do not hit the store on every request.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies access tokens with HMAC-SHA256.
type TokenManager struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	now        func() time.Time
}

// NewTokenManager creates a token manager. The signing key must be at least
// 32 bytes; shorter keys make HS256 brute-forceable.
func NewTokenManager(cfg config.JWTConfig) (*TokenManager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("auth: jwt signing key must be at least 32 bytes, got %d", len(cfg.SigningKey))
	}
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenManager{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		accessTTL:  ttl,
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (m *TokenManager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessTTL returns the configured access-token lifetime.
func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

// Issue signs an access token for the user.
func (m *TokenManager) Issue(user *models.User) (string, time.Time, error) {
	now := m.now().UTC()
	expiresAt := now.Add(m.accessTTL)

	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}

	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token. Any failure maps to an
// unauthorized error; callers never learn whether the token was expired,
// tampered, or simply garbage.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return nil, apperr.Unauthorized(apperr.CodeInvalidToken, "invalid or expired access token")
	}
	return claims, nil
}
