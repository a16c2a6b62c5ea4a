// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package streaming

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/cache"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"

	"github.com/goccy/go-json"
)

var streamCfg = config.StreamingConfig{
	PresignTTL:     2 * time.Minute,
	CacheTTLBuffer: 30 * time.Second,
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	keyring, err := cache.NewKeyring(map[string]string{"v1": key}, "v1")
	require.NoError(t, err)
	return cache.NewRedisCacheWithClient(client, keyring, time.Second)
}

func seedTrack(t *testing.T, store docstore.Store, track *models.Track) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		return docstore.PutJSON(tx, docstore.PrefixTracks+track.ID, track, 0)
	}))
}

func readyTrack() *models.Track {
	return &models.Track{
		ID:               "track-1",
		UserID:           "user-1",
		Title:            "Song",
		ObjectKey:        "audio/user-1/track-1/abc",
		Status:           models.TrackStatusReady,
		ModerationStatus: models.ModerationNone,
	}
}

func newIssuer(t *testing.T) (*Issuer, docstore.Store) {
	t.Helper()
	store := docstore.NewMemoryStore()
	issuer := NewIssuer(store, objectstore.NewMemoryStore(), newTestCache(t), streamCfg)
	return issuer, store
}

func TestIssueSignsAndCaches(t *testing.T) {
	issuer, store := newIssuer(t)
	seedTrack(t, store, readyTrack())

	first, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.URL)
	assert.True(t, first.ExpiresAt.After(time.Now().Add(time.Minute)))

	// Second call within the buffer window reuses the cached URL.
	second, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)
	assert.Equal(t, first.URL, second.URL)
}

func TestIssueRefreshesNearExpiry(t *testing.T) {
	issuer, store := newIssuer(t)
	seedTrack(t, store, readyTrack())

	first, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)

	// Move the clock to just inside the refresh buffer. The cached URL has
	// less than CacheTTLBuffer of life left, so a new one is signed.
	issuer.SetClock(func() time.Time {
		return first.ExpiresAt.Add(-streamCfg.CacheTTLBuffer + time.Second)
	})
	second, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.URL, second.URL)
}

func TestIssueEnforcesOwnership(t *testing.T) {
	issuer, store := newIssuer(t)
	seedTrack(t, store, readyTrack())

	_, err := issuer.Issue(context.Background(), "user-2", false, "track-1")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "foreign tracks look nonexistent")

	// Admins may stream any track.
	_, err = issuer.Issue(context.Background(), "user-2", true, "track-1")
	assert.NoError(t, err)
}

func TestIssueRejectsNonStreamableStates(t *testing.T) {
	issuer, store := newIssuer(t)

	processing := readyTrack()
	processing.ID = "track-proc"
	processing.Status = models.TrackStatusProcessing
	seedTrack(t, store, processing)

	_, err := issuer.Issue(context.Background(), "user-1", false, "track-proc")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTrackNotReady))

	pulled := readyTrack()
	pulled.ID = "track-mod"
	pulled.ModerationStatus = models.ModerationDisabled
	seedTrack(t, store, pulled)

	_, err = issuer.Issue(context.Background(), "user-1", false, "track-mod")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTrackNotReady))

	deleted := readyTrack()
	deleted.ID = "track-del"
	deleted.Status = models.TrackStatusDeleted
	seedTrack(t, store, deleted)

	_, err = issuer.Issue(context.Background(), "user-1", false, "track-del")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTrackDeleted))

	_, err = issuer.Issue(context.Background(), "user-1", false, "no-such-track")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestHandleTrackDeletedInvalidatesCache(t *testing.T) {
	issuer, store := newIssuer(t)
	seedTrack(t, store, readyTrack())

	first, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)

	payload, err := json.Marshal(models.TrackDeletedEvent{
		SchemaVersion: models.SchemaVersion,
		TrackID:       "track-1",
		UserID:        "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, issuer.HandleTrackDeleted(context.Background(), &bus.Message{
		Topic:   "track-deletions",
		Key:     "track-1",
		Payload: payload,
	}))

	// The next issue signs a fresh URL instead of serving the stale one.
	second, err := issuer.Issue(context.Background(), "user-1", false, "track-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.URL, second.URL)
}

func TestHandleTrackDeletedRejectsGarbage(t *testing.T) {
	issuer, _ := newIssuer(t)
	err := issuer.HandleTrackDeleted(context.Background(), &bus.Message{Payload: []byte("{not json")})
	assert.Error(t, err)
}
