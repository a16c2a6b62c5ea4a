// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package auth implements accounts and sessions: Argon2id password hashing,
// short-lived HS256 access tokens, and rotating single-use refresh tokens
// with reuse detection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/ratelimit"
	"github.com/novatune/novatune/internal/validation"
)

// Service implements account registration and the session lifecycle.
type Service struct {
	store       docstore.Store
	hasher      *PasswordHasher
	tokens      *TokenManager
	limiter     *ratelimit.AccountLimiter
	refreshTTL  time.Duration
	maxSessions int
	now         func() time.Time
}

// NewService wires the auth service.
func NewService(store docstore.Store, hasher *PasswordHasher, tokens *TokenManager, authCfg config.AuthConfig, jwtCfg config.JWTConfig) *Service {
	refreshTTL := jwtCfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = time.Hour
	}
	return &Service{
		store:       store,
		hasher:      hasher,
		tokens:      tokens,
		limiter:     ratelimit.NewAccountLimiter(authCfg.LoginAccountLimit, authCfg.LoginAccountWindow, 0),
		refreshTTL:  refreshTTL,
		maxSessions: authCfg.MaxSessionsPerUser,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.tokens.SetClock(now)
	s.limiter.SetClock(now)
}

// RegisterInput is the registration request.
type RegisterInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=512"`
	DisplayName string `json:"displayName" validate:"required,min=1,max=100"`
}

// LoginInput is the login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	DeviceID string `json:"deviceId,omitempty" validate:"omitempty,max=128"`
}

// TokenPair is an issued session: a short-lived access token plus the
// refresh token that renews it.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

func userKey(id string) string {
	return docstore.PrefixUsers + id
}

// Register creates a listener account. Email uniqueness is enforced on the
// normalized form inside the transaction.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := s.now().UTC()
	user := &models.User{
		ID:              ids.NewAt(now),
		Email:           in.Email,
		NormalizedEmail: models.NormalizeEmail(in.Email),
		DisplayName:     in.DisplayName,
		PasswordHash:    hash,
		Roles:           []models.Role{models.RoleListener},
		Status:          models.UserStatusActive,
		CreatedAt:       now,
	}

	err = s.store.Update(ctx, func(tx docstore.Tx) error {
		taken := false
		scanErr := tx.IndexScan(docstore.IndexUsersByEmail, user.NormalizedEmail, func(term, _ string) (bool, error) {
			if term == user.NormalizedEmail {
				taken = true
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		if taken {
			return apperr.Conflict(apperr.CodeEmailTaken, "an account with this email already exists")
		}
		if err := docstore.PutJSON(tx, userKey(user.ID), user, 0); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexUsersByEmail, user.NormalizedEmail, userKey(user.ID)); err != nil {
			return err
		}
		return docstore.UpdateFullText(tx, docstore.FullTextUsers, userKey(user.ID), "", user.SearchText())
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	logging.Ctx(ctx).Info().Str("userId", user.ID).Msg("user registered")
	return user, nil
}

// Login verifies credentials and opens a session. The per-account limiter is
// consulted before the password check, and failed attempts count toward it.
func (s *Service) Login(ctx context.Context, in LoginInput) (*TokenPair, *models.User, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, nil, err
	}

	normalized := models.NormalizeEmail(in.Email)
	if !s.limiter.Allow(normalized) {
		metrics.LoginAttemptsTotal.WithLabelValues("limited").Inc()
		return nil, nil, apperr.RateLimited(s.limiter.RetryAfterSeconds())
	}

	user, _, err := s.userByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// Burn the same work as a real check so response timing does not
			// reveal whether the account exists.
			_, _ = s.hasher.Verify(in.Password, dummyHash)
			metrics.LoginAttemptsTotal.WithLabelValues("invalid").Inc()
			return nil, nil, apperr.Unauthorized(apperr.CodeInvalidCredentials, "invalid email or password")
		}
		return nil, nil, wrapStoreErr(err)
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if !ok {
		metrics.LoginAttemptsTotal.WithLabelValues("invalid").Inc()
		return nil, nil, apperr.Unauthorized(apperr.CodeInvalidCredentials, "invalid email or password")
	}
	if user.Status == models.UserStatusDisabled {
		metrics.LoginAttemptsTotal.WithLabelValues("inactive").Inc()
		return nil, nil, apperr.Forbidden(apperr.CodeAccountDisabled, "account is disabled")
	}

	pair, err := s.openSession(ctx, user, in.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	metrics.LoginAttemptsTotal.WithLabelValues("ok").Inc()
	logging.Ctx(ctx).Info().Str("userId", user.ID).Msg("login succeeded")
	return pair, user, nil
}

// dummyHash keeps login timing flat for unknown accounts. Parameters match
// the defaults; the password is random and unknowable.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// openSession issues a refresh token and access token, recording the login
// time on the user document.
func (s *Service) openSession(ctx context.Context, user *models.User, deviceID string) (*TokenPair, error) {
	now := s.now().UTC()
	var plaintext string
	var token *models.RefreshToken

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		current, version, err := docstore.GetJSON[models.User](tx, userKey(user.ID))
		if err != nil {
			return err
		}
		current.LastLoginAt = &now
		if err := docstore.PutJSON(tx, userKey(user.ID), current, version); err != nil {
			return err
		}
		plaintext, token, err = issueRefreshToken(tx, user.ID, deviceID, now, s.refreshTTL, s.maxSessions)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	access, accessExpiry, err := s.tokens.Issue(user)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     plaintext,
		RefreshExpiresAt: token.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token. The presented token is revoked and a new
// one issued atomically. Presenting an already-revoked token is treated as
// theft: every session for that user is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, apperr.Unauthorized(apperr.CodeInvalidToken, "missing refresh token")
	}

	now := s.now().UTC()
	var user *models.User
	var plaintext string
	var newToken *models.RefreshToken

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		token, version, err := findTokenByHash(tx, refreshToken)
		if errors.Is(err, docstore.ErrNotFound) {
			metrics.TokenRefreshesTotal.WithLabelValues("expired").Inc()
			return apperr.Unauthorized(apperr.CodeInvalidToken, "invalid refresh token")
		}
		if err != nil {
			return err
		}

		if token.Revoked {
			// Single-use token presented twice. Assume compromise.
			revoked, revErr := revokeAllUserTokens(tx, token.UserID)
			if revErr != nil {
				return revErr
			}
			logging.Ctx(ctx).Warn().
				Str("userId", token.UserID).
				Int("revokedSessions", revoked).
				Msg("refresh token reuse detected; all sessions revoked")
			metrics.TokenRefreshesTotal.WithLabelValues("reused").Inc()
			return apperr.Unauthorized(apperr.CodeInvalidToken, "invalid refresh token")
		}
		if now.After(token.ExpiresAt) || now.Equal(token.ExpiresAt) {
			metrics.TokenRefreshesTotal.WithLabelValues("expired").Inc()
			return apperr.Unauthorized(apperr.CodeInvalidToken, "refresh token expired")
		}

		user, _, err = docstore.GetJSON[models.User](tx, userKey(token.UserID))
		if err != nil {
			return err
		}
		if user.Status == models.UserStatusDisabled {
			metrics.TokenRefreshesTotal.WithLabelValues("revoked").Inc()
			return apperr.Forbidden(apperr.CodeAccountDisabled, "account is disabled")
		}

		token.Revoked = true
		if err := docstore.PutJSON(tx, tokenKey(token.ID), token, version); err != nil {
			return err
		}

		plaintext, newToken, err = issueRefreshToken(tx, token.UserID, token.DeviceID, now, s.refreshTTL, s.maxSessions)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	access, accessExpiry, err := s.tokens.Issue(user)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("ok").Inc()
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     plaintext,
		RefreshExpiresAt: newToken.ExpiresAt,
	}, nil
}

// Logout revokes the presented refresh token. Unknown tokens succeed; logout
// is idempotent and reveals nothing.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		token, version, err := findTokenByHash(tx, refreshToken)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if token.Revoked {
			return nil
		}
		token.Revoked = true
		return docstore.PutJSON(tx, tokenKey(token.ID), token, version)
	})
	return wrapStoreErr(err)
}

// LogoutAll revokes every session for the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		revoked, err := revokeAllUserTokens(tx, userID)
		if err != nil {
			return err
		}
		logging.Ctx(ctx).Info().Str("userId", userID).Int("revokedSessions", revoked).Msg("all sessions revoked")
		return nil
	})
	return wrapStoreErr(err)
}

// GetUser loads a user document.
func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user *models.User
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		user, _, err = docstore.GetJSON[models.User](tx, userKey(userID))
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("user", userID)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return user, nil
}

func (s *Service) userByEmail(ctx context.Context, normalizedEmail string) (*models.User, uint64, error) {
	var user *models.User
	var version uint64
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var docKey string
		scanErr := tx.IndexScan(docstore.IndexUsersByEmail, normalizedEmail, func(term, key string) (bool, error) {
			if term == normalizedEmail {
				docKey = key
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		if docKey == "" {
			return docstore.ErrNotFound
		}
		var err error
		user, version, err = docstore.GetJSON[models.User](tx, docKey)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return user, version, nil
}

// wrapStoreErr passes app errors through and wraps everything else as
// internal.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(fmt.Errorf("auth: %w", err))
}
