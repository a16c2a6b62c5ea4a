// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
)

// fastArgon keeps password hashing cheap in tests.
var fastArgon = config.Argon2Config{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}

func newTestService(t *testing.T) (*Service, docstore.Store) {
	t.Helper()
	store := docstore.NewMemoryStore()
	tokens, err := NewTokenManager(config.JWTConfig{
		Issuer:     "novatune-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		SigningKey: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	svc := NewService(store, NewPasswordHasher(fastArgon), tokens, config.AuthConfig{
		MaxSessionsPerUser: 3,
		LoginAccountLimit:  5,
		LoginAccountWindow: time.Minute,
	}, config.JWTConfig{RefreshTTL: time.Hour})
	return svc, store
}

func register(t *testing.T, svc *Service) *models.User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       "alice@example.com",
		Password:    "correct horse battery",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	return user
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc)

	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, []models.Role{models.RoleListener}, user.Roles)
	assert.Equal(t, models.UserStatusActive, user.Status)
	assert.NotContains(t, user.PasswordHash, "correct horse", "password must not be stored in clear")

	pair, loggedIn, err := svc.Login(context.Background(), LoginInput{
		Email:    "Alice@Example.COM", // email matching is case-insensitive
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := svc.tokens.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, []string{"listener"}, claims.Roles)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:       "ALICE@example.com",
		Password:    "another password",
		DisplayName: "Imposter",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeEmailTaken))
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "wrong",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidCredentials))
}

func TestLoginUnknownAccountLooksLikeWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "whatever",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidCredentials))
}

func TestLoginAccountLimiter(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	for i := 0; i < 5; i++ {
		_, _, _ = svc.Login(context.Background(), LoginInput{
			Email:    "alice@example.com",
			Password: "wrong",
		})
	}
	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "correct horse battery", // even the right password is limited
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	pair, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The rotated-out token is dead.
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidToken))
}

func TestRefreshReuseRevokesAllSessions(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	first, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	second, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), first.RefreshToken)
	require.NoError(t, err)

	// Replaying the rotated-out token nukes every session, including the
	// freshly rotated one and the unrelated second session.
	_, err = svc.Refresh(context.Background(), first.RefreshToken)
	require.Error(t, err)

	_, err = svc.Refresh(context.Background(), rotated.RefreshToken)
	assert.Error(t, err, "rotated session must be revoked after reuse")
	_, err = svc.Refresh(context.Background(), second.RefreshToken)
	assert.Error(t, err, "second session must be revoked after reuse")
}

func TestRefreshExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	pair, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidToken))
}

func TestSessionCapEvictsOldest(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	login := func() *TokenPair {
		pair, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
		require.NoError(t, err)
		return pair
	}

	first := login()
	login()
	login()
	fourth := login() // cap is 3; first session is evicted

	_, err := svc.Refresh(context.Background(), first.RefreshToken)
	assert.Error(t, err, "oldest session must be evicted at the cap")
	_, err = svc.Refresh(context.Background(), fourth.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc)

	pair, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken))
	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken))
	require.NoError(t, svc.Logout(context.Background(), "garbage"))

	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	assert.Error(t, err)
}

func TestLogoutAll(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc)

	a, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	b, _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(context.Background(), user.ID))

	_, err = svc.Refresh(context.Background(), a.RefreshToken)
	assert.Error(t, err)
	_, err = svc.Refresh(context.Background(), b.RefreshToken)
	assert.Error(t, err)
}

func TestPasswordHasherRoundTrip(t *testing.T) {
	h := NewPasswordHasher(fastArgon)

	hash, err := h.Hash("s3cret password")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := h.Verify("s3cret password", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Two hashes of the same password differ (random salt).
	again, err := h.Hash("s3cret password")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestTokenManagerRejectsTamperedToken(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc)

	token, _, err := svc.tokens.Issue(user)
	require.NoError(t, err)

	_, err = svc.tokens.Verify(token + "x")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidToken))
}

func TestTokenManagerRejectsExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)
	user := register(t, svc)

	now := time.Now()
	svc.tokens.SetClock(func() time.Time { return now })
	token, _, err := svc.tokens.Issue(user)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = svc.tokens.Verify(token)
	assert.Error(t, err)
}
