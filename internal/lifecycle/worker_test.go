// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/playlist"
	"github.com/novatune/novatune/internal/track"
)

var lifecycleCfg = config.LifecycleConfig{
	PollingInterval:  time.Minute,
	BatchSize:        50,
	MaxConcurrency:   4,
	BacklogThreshold: 100,
}

type fixture struct {
	worker  *Worker
	store   *docstore.MemoryStore
	objects *objectstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	objects := objectstore.NewMemoryStore()
	user := &models.User{ID: "user-1", Status: models.UserStatusActive, TrackCount: 1, UsedStorageBytes: 1000}
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		return docstore.PutJSON(tx, docstore.PrefixUsers+user.ID, user, 0)
	}))
	return &fixture{worker: NewWorker(store, objects, lifecycleCfg), store: store, objects: objects}
}

// seedDeleted writes a soft-deleted track the way the track service does,
// with its audio and waveform objects present.
func (f *fixture) seedDeleted(t *testing.T, scheduledAt time.Time) *models.Track {
	t.Helper()
	createdAt := scheduledAt.Add(-30 * 24 * time.Hour)
	deletedAt := scheduledAt.Add(-7 * 24 * time.Hour)
	tr := &models.Track{
		ID:                  ids.NewAt(createdAt),
		UserID:              "user-1",
		Title:               "Doomed Song",
		ObjectKey:           "audio/user-1/doomed",
		WaveformObjectKey:   "waveforms/user-1/doomed.json",
		FileSizeBytes:       1000,
		Status:              models.TrackStatusDeleted,
		StatusBeforeDelete:  models.TrackStatusReady,
		CreatedAt:           createdAt,
		DeletedAt:           &deletedAt,
		ScheduledDeletionAt: &scheduledAt,
	}
	tr.ObjectKey = "audio/user-1/" + tr.ID
	tr.WaveformObjectKey = "waveforms/user-1/" + tr.ID + ".json"
	f.objects.PutObject(tr.ObjectKey, "audio/mpeg", []byte("audio"))
	f.objects.PutObject(tr.WaveformObjectKey, "application/json", []byte("{}"))

	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		if err := docstore.PutJSON(tx, track.Key(tr.ID), tr, 0); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexTracksByUser,
			tr.UserID+"\x00"+docstore.SortableTime(tr.CreatedAt)+"\x00"+tr.ID, track.Key(tr.ID)); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexTracksByScheduledDel,
			docstore.SortableTime(scheduledAt)+"\x00"+tr.ID, track.Key(tr.ID)); err != nil {
			return err
		}
		return docstore.UpdateFullText(tx, docstore.FullTextTracks, track.Key(tr.ID), "", tr.SearchText())
	}))
	return tr
}

func TestRunOncePurgesDueTracks(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.worker.SetClock(func() time.Time { return now })

	due := f.seedDeleted(t, now.Add(-time.Hour))

	purged, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Objects, document, and indexes are gone.
	assert.False(t, f.objects.Exists(due.ObjectKey))
	assert.False(t, f.objects.Exists(due.WaveformObjectKey))
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		_, _, err := tx.Get(track.Key(due.ID))
		assert.ErrorIs(t, err, docstore.ErrNotFound)

		count := 0
		if err := tx.IndexScan(docstore.IndexTracksByScheduledDel, "", func(_, _ string) (bool, error) {
			count++
			return true, nil
		}); err != nil {
			return err
		}
		assert.Zero(t, count)

		keys, err := docstore.SearchFullText(tx, docstore.FullTextTracks, "doomed", 0)
		if err != nil {
			return err
		}
		assert.Empty(t, keys)
		return nil
	}))

	// The owner's quota is returned.
	var user *models.User
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		user, _, err = docstore.GetJSON[models.User](tx, docstore.PrefixUsers+"user-1")
		return err
	}))
	assert.Zero(t, user.TrackCount)
	assert.Zero(t, user.UsedStorageBytes)
}

func TestRunOnceSkipsFutureDeadlines(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.worker.SetClock(func() time.Time { return now })

	future := f.seedDeleted(t, now.Add(time.Hour))

	purged, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.True(t, f.objects.Exists(future.ObjectKey))
}

func TestPurgeCascadesPlaylists(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.worker.SetClock(func() time.Time { return now })

	due := f.seedDeleted(t, now.Add(-time.Hour))

	// Reference the doomed track from a playlist the way the playlist
	// service indexes it.
	pl := &models.Playlist{
		ID:     ids.New(),
		UserID: "user-1",
		Name:   "Mix",
		Entries: []models.PlaylistEntry{
			{Position: 0, TrackID: due.ID},
			{Position: 1, TrackID: "other-track"},
		},
		TrackCount: 2,
	}
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		if err := docstore.PutJSON(tx, playlist.Key(pl.ID), pl, 0); err != nil {
			return err
		}
		return tx.AddIndex(docstore.IndexPlaylistsByTrack, due.ID+"\x00"+pl.ID, playlist.Key(pl.ID))
	}))

	purged, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	var got *models.Playlist
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		got, _, err = docstore.GetJSON[models.Playlist](tx, playlist.Key(pl.ID))
		return err
	}))
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "other-track", got.Entries[0].TrackID)
	assert.Equal(t, 0, got.Entries[0].Position)
	assert.Equal(t, 1, got.TrackCount)
}

func TestPurgeSkipsRestoredTrack(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.worker.SetClock(func() time.Time { return now })

	due := f.seedDeleted(t, now.Add(-time.Hour))

	// Restore raced the purge scan: the track went back to ready and its
	// scheduled-deletion state was cleared, but the worker still sees the
	// stale index entry it collected.
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		tr, version, err := docstore.GetJSON[models.Track](tx, track.Key(due.ID))
		if err != nil {
			return err
		}
		tr.Status = models.TrackStatusReady
		tr.DeletedAt = nil
		tr.ScheduledDeletionAt = nil
		return docstore.PutJSON(tx, track.Key(due.ID), tr, version)
	}))

	purged, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.True(t, f.objects.Exists(due.ObjectKey), "restored track keeps its audio")
}

func TestHealthyReportsBacklog(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	small := NewWorker(f.store, f.objects, config.LifecycleConfig{
		PollingInterval:  time.Minute,
		BatchSize:        50,
		MaxConcurrency:   2,
		BacklogThreshold: 1,
	})
	small.SetClock(func() time.Time { return now })
	f.worker.SetClock(func() time.Time { return now })

	f.seedDeleted(t, now.Add(-2*time.Hour))
	f.seedDeleted(t, now.Add(-time.Hour))

	healthy, backlog, err := small.Healthy(context.Background())
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Equal(t, 2, backlog)

	_, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	healthy, backlog, err = small.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Zero(t, backlog)
}
