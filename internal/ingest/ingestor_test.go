// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/upload"
)

var testUploadCfg = config.UploadConfig{
	MimeAllowlist:    []string{"audio/mpeg", "audio/flac"},
	MaxFileSizeBytes: 1 << 20,
	MaxTracks:        10,
	QuotaBytes:       1 << 22,
	SessionTTL:       time.Hour,
}

type fixture struct {
	store    *docstore.MemoryStore
	objects  *objectstore.MemoryStore
	uploads  *upload.Service
	ingestor *Ingestor
	user     *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	objects := objectstore.NewMemoryStore()

	user := &models.User{
		ID:     "01TESTUSER0000000000000000",
		Email:  "alice@example.com",
		Roles:  []models.Role{models.RoleListener},
		Status: models.UserStatusActive,
	}
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		return docstore.PutJSON(tx, docstore.PrefixUsers+user.ID, user, 0)
	}))

	return &fixture{
		store:    store,
		objects:  objects,
		uploads:  upload.NewService(store, objects, testUploadCfg),
		ingestor: NewIngestor(store, objects, testUploadCfg, "audio-events"),
		user:     user,
	}
}

// uploadObject simulates the client PUT: initiate a session and store bytes
// under the reserved key.
func (f *fixture) uploadObject(t *testing.T, data []byte) *models.UploadSession {
	t.Helper()
	result, err := f.uploads.Initiate(context.Background(), f.user.ID, upload.InitiateInput{
		FileName:      "song.mp3",
		MimeType:      "audio/mpeg",
		FileSizeBytes: int64(len(data)),
		Title:         "My Song",
		Artist:        "Alice",
	})
	require.NoError(t, err)
	f.objects.PutObject(result.Session.ObjectKey, "audio/mpeg", data)
	return result.Session
}

func (f *fixture) ingest(t *testing.T, session *models.UploadSession, size int64) error {
	t.Helper()
	return f.ingestor.Ingest(context.Background(), &models.ObjectCreatedEvent{
		ObjectKey:   session.ObjectKey,
		SizeBytes:   size,
		ContentType: "audio/mpeg",
		EventTime:   time.Now(),
	})
}

func (f *fixture) loadSession(t *testing.T, id string) *models.UploadSession {
	t.Helper()
	var session *models.UploadSession
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		session, _, err = docstore.GetJSON[models.UploadSession](tx, docstore.PrefixUploadSessions+id)
		return err
	}))
	return session
}

func (f *fixture) loadUser(t *testing.T) *models.User {
	t.Helper()
	var user *models.User
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		user, _, err = docstore.GetJSON[models.User](tx, docstore.PrefixUsers+f.user.ID)
		return err
	}))
	return user
}

func (f *fixture) countOutbox(t *testing.T) int {
	t.Helper()
	count := 0
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		return tx.ScanPrefix(docstore.PrefixOutbox, func(_ string, _ []byte, _ uint64) (bool, error) {
			count++
			return true, nil
		})
	}))
	return count
}

func TestIngestCreatesTrackAtomically(t *testing.T) {
	f := newFixture(t)
	data := []byte("fake mp3 bytes")
	session := f.uploadObject(t, data)

	require.NoError(t, f.ingest(t, session, int64(len(data))))

	var track *models.Track
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		track, _, err = docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+session.TrackID)
		return err
	}))
	assert.Equal(t, models.TrackStatusProcessing, track.Status)
	assert.Equal(t, "My Song", track.Title)
	assert.Equal(t, session.ObjectKey, track.ObjectKey)
	assert.Equal(t, int64(len(data)), track.FileSizeBytes)

	wantSum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(wantSum[:]), track.ChecksumSHA256)

	assert.Equal(t, models.UploadCompleted, f.loadSession(t, session.ID).Status)

	user := f.loadUser(t)
	assert.Equal(t, 1, user.TrackCount)
	assert.Equal(t, int64(len(data)), user.UsedStorageBytes)

	assert.Equal(t, 1, f.countOutbox(t), "AudioUploaded enqueued with the same transaction")
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	data := []byte("fake mp3 bytes")
	session := f.uploadObject(t, data)

	require.NoError(t, f.ingest(t, session, int64(len(data))))
	require.NoError(t, f.ingest(t, session, int64(len(data))), "redelivery must not error")

	user := f.loadUser(t)
	assert.Equal(t, 1, user.TrackCount, "counters bumped exactly once")
	assert.Equal(t, 1, f.countOutbox(t), "event enqueued exactly once")
}

func TestIngestOrphanObjectLeftInPlace(t *testing.T) {
	f := newFixture(t)
	f.objects.PutObject("audio/unknown/object", "audio/mpeg", []byte("stray"))

	require.NoError(t, f.ingestor.Ingest(context.Background(), &models.ObjectCreatedEvent{
		ObjectKey: "audio/unknown/object",
		SizeBytes: 5,
	}))
	// No session claims the key; acknowledge without touching the object.
	assert.True(t, f.objects.Exists("audio/unknown/object"))
	assert.Equal(t, 0, f.loadUser(t).TrackCount)
}

func TestIngestOversizedObjectFailsSession(t *testing.T) {
	f := newFixture(t)
	declared := []byte("12345")
	session := f.uploadObject(t, declared)
	// The client lied: it PUT more bytes than declared.
	f.objects.PutObject(session.ObjectKey, "audio/mpeg", make([]byte, 64))

	require.NoError(t, f.ingest(t, session, 64))

	assert.Equal(t, models.UploadFailed, f.loadSession(t, session.ID).Status)
	assert.False(t, f.objects.Exists(session.ObjectKey))
	assert.Equal(t, 0, f.loadUser(t).TrackCount)
	assert.Equal(t, 0, f.countOutbox(t))
}

func TestIngestExpiredSessionFailsAndDeletesObject(t *testing.T) {
	f := newFixture(t)
	data := []byte("late arrival")
	session := f.uploadObject(t, data)

	sweeper := upload.NewSweeper(f.store, f.objects, time.Minute)
	sweeper.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.UploadExpired, f.loadSession(t, session.ID).Status)

	// The client PUT after the sweep; the notification arrives now.
	f.objects.PutObject(session.ObjectKey, "audio/mpeg", data)
	require.NoError(t, f.ingest(t, session, int64(len(data))))

	assert.Equal(t, models.UploadFailed, f.loadSession(t, session.ID).Status)
	assert.False(t, f.objects.Exists(session.ObjectKey))
	assert.Equal(t, 0, f.loadUser(t).TrackCount)
}

func TestIngestPendingSessionPastExpiryFails(t *testing.T) {
	f := newFixture(t)
	data := []byte("slow upload")
	session := f.uploadObject(t, data)

	// The sweeper has not run yet, but the session window is over.
	f.ingestor.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	require.NoError(t, f.ingest(t, session, int64(len(data))))

	assert.Equal(t, models.UploadFailed, f.loadSession(t, session.ID).Status)
	assert.False(t, f.objects.Exists(session.ObjectKey))
	assert.Equal(t, 0, f.loadUser(t).TrackCount)
	assert.Equal(t, 0, f.countOutbox(t))
}

func TestIngestContentTypeMismatchFailsSession(t *testing.T) {
	f := newFixture(t)
	data := []byte("not really audio")
	session := f.uploadObject(t, data)
	// The client declared audio/mpeg but PUT something else.
	f.objects.PutObject(session.ObjectKey, "video/mp4", data)

	require.NoError(t, f.ingest(t, session, int64(len(data))))

	assert.Equal(t, models.UploadFailed, f.loadSession(t, session.ID).Status)
	assert.False(t, f.objects.Exists(session.ObjectKey))
	assert.Equal(t, 0, f.loadUser(t).TrackCount)
	assert.Equal(t, 0, f.countOutbox(t))
}

func TestIngestTitleDefaultsToFileStem(t *testing.T) {
	f := newFixture(t)
	data := []byte("untitled upload")
	result, err := f.uploads.Initiate(context.Background(), f.user.ID, upload.InitiateInput{
		FileName:      "Sunset Groove.mp3",
		MimeType:      "audio/mpeg",
		FileSizeBytes: int64(len(data)),
	})
	require.NoError(t, err)
	f.objects.PutObject(result.Session.ObjectKey, "audio/mpeg", data)

	require.NoError(t, f.ingest(t, result.Session, int64(len(data))))

	var track *models.Track
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		track, _, err = docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+result.Session.TrackID)
		return err
	}))
	assert.Equal(t, "Sunset Groove", track.Title)
}

func TestIngestQuotaRecheck(t *testing.T) {
	f := newFixture(t)
	data := []byte("some audio")
	session := f.uploadObject(t, data)

	// Another upload consumed the quota between initiation and ingest.
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		user, version, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+f.user.ID)
		if err != nil {
			return err
		}
		user.UsedStorageBytes = testUploadCfg.QuotaBytes
		return docstore.PutJSON(tx, docstore.PrefixUsers+user.ID, user, version)
	}))

	require.NoError(t, f.ingest(t, session, int64(len(data))))

	assert.Equal(t, models.UploadFailed, f.loadSession(t, session.ID).Status)
	assert.Equal(t, 0, f.countOutbox(t))
	assert.False(t, f.objects.Exists(session.ObjectKey))
}
