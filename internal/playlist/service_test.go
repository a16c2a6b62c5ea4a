// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package playlist

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/track"
)

var playlistsCfg = config.PlaylistsConfig{
	MaxPerUser:   3,
	MaxTracks:    10,
	MaxAddBatch:  5,
	MaxPageSize:  10,
	CursorMaxAge: time.Hour,
}

type fixture struct {
	svc   *Service
	store *docstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	return &fixture{svc: NewService(store, playlistsCfg), store: store}
}

func (f *fixture) seedTrack(t *testing.T, userID string, duration float64) *models.Track {
	t.Helper()
	tr := &models.Track{
		ID:              ids.New(),
		UserID:          userID,
		Title:           "Track",
		DurationSeconds: duration,
		Status:          models.TrackStatusReady,
	}
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		return docstore.PutJSON(tx, track.Key(tr.ID), tr, 0)
	}))
	return tr
}

func (f *fixture) create(t *testing.T, userID, name string) *View {
	t.Helper()
	view, err := f.svc.Create(context.Background(), userID, CreateInput{Name: name})
	require.NoError(t, err)
	return view
}

func trackIDsInOrder(p *models.Playlist) []string {
	out := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.TrackID
	}
	return out
}

func TestCreateEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < playlistsCfg.MaxPerUser; i++ {
		f.create(t, "user-1", fmt.Sprintf("List %d", i))
	}

	_, err := f.svc.Create(context.Background(), "user-1", CreateInput{Name: "One too many"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeQuotaExceeded))

	// Other users are unaffected.
	_, err = f.svc.Create(context.Background(), "user-2", CreateInput{Name: "Fine"})
	assert.NoError(t, err)
}

func TestCreateLengthBoundaries(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), "user-1", CreateInput{
		Name:        strings.Repeat("n", 100),
		Description: strings.Repeat("d", 500),
	})
	require.NoError(t, err, "limits are inclusive")

	_, err = f.svc.Create(context.Background(), "user-1", CreateInput{Name: strings.Repeat("n", 101)})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.Create(context.Background(), "user-1", CreateInput{
		Name:        "ok",
		Description: strings.Repeat("d", 501),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	private := f.create(t, "user-1", "Private")
	public, err := f.svc.Create(context.Background(), "user-1", CreateInput{Name: "Public", Visibility: "public"})
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "user-2", false, private.Playlist.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "private playlists look nonexistent to others")

	_, err = f.svc.Get(context.Background(), "user-2", false, public.Playlist.ID)
	assert.NoError(t, err, "public playlists are visible to any caller")

	_, err = f.svc.Get(context.Background(), "user-2", true, private.Playlist.ID)
	assert.NoError(t, err, "admins see everything")
}

func TestListWithSearch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "user-1", "Workout Mix")
	f.create(t, "user-1", "Sleep Sounds")

	page, err := f.svc.List(context.Background(), "user-1", ListParams{Search: "workout"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Workout Mix", page.Items[0].Playlist.Name)

	page, err = f.svc.List(context.Background(), "user-1", ListParams{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestUpdateRenameMaintainsSearch(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Old Name")

	name := "Fresh Name"
	updated, err := f.svc.Update(context.Background(), "user-1", view.Playlist.ID, UpdateInput{Name: &name, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "Fresh Name", updated.Playlist.Name)
	assert.Equal(t, uint64(2), updated.Version)

	page, err := f.svc.List(context.Background(), "user-1", ListParams{Search: "fresh"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	page, err = f.svc.List(context.Background(), "user-1", ListParams{Search: "old"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	// Stale version conflicts.
	_, err = f.svc.Update(context.Background(), "user-1", view.Playlist.ID, UpdateInput{Name: &name, Version: 1})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodePlaylistConcurrency))
}

func TestAddTracksAppendAndInsert(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Mix")
	t1 := f.seedTrack(t, "user-1", 100)
	t2 := f.seedTrack(t, "user-1", 50)
	t3 := f.seedTrack(t, "user-1", 25)

	v, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t1.ID, t2.ID}, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID, t2.ID}, trackIDsInOrder(v.Playlist))
	assert.Equal(t, 150.0, v.Playlist.TotalDurationSeconds)
	assert.Equal(t, 2, v.Playlist.TrackCount)

	// Insert in the middle shifts later entries right.
	pos := 1
	v, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t3.ID}, Position: &pos, Version: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID, t3.ID, t2.ID}, trackIDsInOrder(v.Playlist))
	for i, entry := range v.Playlist.Entries {
		assert.Equal(t, i, entry.Position, "positions stay dense")
	}

	// Duplicates are allowed.
	v, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t1.ID}, Version: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Playlist.TrackCount)
	assert.Equal(t, 275.0, v.Playlist.TotalDurationSeconds)
}

func TestAddTracksValidation(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Mix")
	mine := f.seedTrack(t, "user-1", 10)
	foreign := f.seedTrack(t, "user-2", 10)

	deleted := f.seedTrack(t, "user-1", 10)
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		tr, version, err := docstore.GetJSON[models.Track](tx, track.Key(deleted.ID))
		if err != nil {
			return err
		}
		tr.Status = models.TrackStatusDeleted
		return docstore.PutJSON(tx, track.Key(deleted.ID), tr, version)
	}))

	_, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{foreign.ID}, Version: 1})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "foreign tracks look nonexistent")

	_, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{deleted.ID}, Version: 1})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTrackDeleted))

	// Batch cap.
	batch := make([]string, playlistsCfg.MaxAddBatch+1)
	for i := range batch {
		batch[i] = mine.ID
	}
	_, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: batch, Version: 1})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	// Out-of-range insert position.
	pos := 5
	_, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{mine.ID}, Position: &pos, Version: 1})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidPosition))

	// Per-playlist track limit.
	full := make([]string, playlistsCfg.MaxAddBatch)
	for i := range full {
		full[i] = mine.ID
	}
	version := uint64(1)
	for i := 0; i < playlistsCfg.MaxTracks/playlistsCfg.MaxAddBatch; i++ {
		v, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
			AddTracksInput{TrackIDs: full, Version: version})
		require.NoError(t, err)
		version = v.Version
	}
	_, err = f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{mine.ID}, Version: version})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeQuotaExceeded))
}

func TestRemoveAtCompacts(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Mix")
	t1 := f.seedTrack(t, "user-1", 100)
	t2 := f.seedTrack(t, "user-1", 50)

	v, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t1.ID, t2.ID, t1.ID}, Version: 1})
	require.NoError(t, err)

	v, err = f.svc.RemoveAt(context.Background(), "user-1", view.Playlist.ID, 0, v.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{t2.ID, t1.ID}, trackIDsInOrder(v.Playlist))
	assert.Equal(t, 150.0, v.Playlist.TotalDurationSeconds)
	for i, entry := range v.Playlist.Entries {
		assert.Equal(t, i, entry.Position)
	}

	_, err = f.svc.RemoveAt(context.Background(), "user-1", view.Playlist.ID, 2, v.Version)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidPosition))
}

func TestReorderSequentialMoves(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Mix")

	tracks := make([]*models.Track, 5)
	trackIDs := make([]string, 5)
	for i := range tracks {
		tracks[i] = f.seedTrack(t, "user-1", 10)
		trackIDs[i] = tracks[i].ID
	}
	v, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: trackIDs, Version: 1})
	require.NoError(t, err)

	// [T0,T1,T2,T3,T4] with moves {0->4},{0->2} becomes [T2,T3,T1,T4,T0].
	v, err = f.svc.Reorder(context.Background(), "user-1", view.Playlist.ID,
		[]Move{{From: 0, To: 4}, {From: 0, To: 2}}, v.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{trackIDs[2], trackIDs[3], trackIDs[1], trackIDs[4], trackIDs[0]},
		trackIDsInOrder(v.Playlist))
	for i, entry := range v.Playlist.Entries {
		assert.Equal(t, i, entry.Position, "positions stay dense after reorder")
	}
}

func TestReorderIdentityAndInvalid(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Mix")
	t1 := f.seedTrack(t, "user-1", 10)
	t2 := f.seedTrack(t, "user-1", 10)
	v, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t1.ID, t2.ID}, Version: 1})
	require.NoError(t, err)

	// Identity moves leave the playlist unchanged.
	v2, err := f.svc.Reorder(context.Background(), "user-1", view.Playlist.ID,
		[]Move{{From: 1, To: 1}}, v.Version)
	require.NoError(t, err)
	assert.Equal(t, trackIDsInOrder(v.Playlist), trackIDsInOrder(v2.Playlist))

	// Any invalid position rejects the whole request atomically.
	_, err = f.svc.Reorder(context.Background(), "user-1", view.Playlist.ID,
		[]Move{{From: 0, To: 1}, {From: 2, To: 0}}, v2.Version)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidPosition))

	after, err := f.svc.Get(context.Background(), "user-1", false, view.Playlist.ID)
	require.NoError(t, err)
	assert.Equal(t, trackIDsInOrder(v2.Playlist), trackIDsInOrder(after.Playlist), "no partial application")
	assert.Equal(t, v2.Version, after.Version)
}

func TestDeleteRemovesIndexes(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1", "Doomed")
	t1 := f.seedTrack(t, "user-1", 10)
	_, err := f.svc.AddTracks(context.Background(), "user-1", view.Playlist.ID,
		AddTracksInput{TrackIDs: []string{t1.ID}, Version: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), "user-1", view.Playlist.ID))

	_, err = f.svc.Get(context.Background(), "user-1", false, view.Playlist.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	count := 0
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexPlaylistsByTrack, t1.ID+"\x00", func(_, _ string) (bool, error) {
			count++
			return true, nil
		})
	}))
	assert.Zero(t, count, "track reference index is cleaned up")

	page, err := f.svc.List(context.Background(), "user-1", ListParams{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestCascadeRemoveTrack(t *testing.T) {
	f := newFixture(t)
	keep := f.seedTrack(t, "user-1", 30)
	purged := f.seedTrack(t, "user-1", 60)

	first := f.create(t, "user-1", "First")
	second := f.create(t, "user-1", "Second")
	untouched := f.create(t, "user-1", "Untouched")

	_, err := f.svc.AddTracks(context.Background(), "user-1", first.Playlist.ID,
		AddTracksInput{TrackIDs: []string{purged.ID, keep.ID, purged.ID}, Version: 1})
	require.NoError(t, err)
	_, err = f.svc.AddTracks(context.Background(), "user-1", second.Playlist.ID,
		AddTracksInput{TrackIDs: []string{purged.ID}, Version: 1})
	require.NoError(t, err)
	_, err = f.svc.AddTracks(context.Background(), "user-1", untouched.Playlist.ID,
		AddTracksInput{TrackIDs: []string{keep.ID}, Version: 1})
	require.NoError(t, err)

	now := time.Now().UTC()
	var touched int
	require.NoError(t, f.store.Update(context.Background(), func(tx docstore.Tx) error {
		var err error
		touched, err = CascadeRemoveTrack(tx, purged.ID, now)
		return err
	}))
	assert.Equal(t, 2, touched)

	got, err := f.svc.Get(context.Background(), "user-1", false, first.Playlist.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, trackIDsInOrder(got.Playlist))
	assert.Equal(t, 30.0, got.Playlist.TotalDurationSeconds)
	assert.Equal(t, 1, got.Playlist.TrackCount)

	got, err = f.svc.Get(context.Background(), "user-1", false, second.Playlist.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Playlist.Entries)
	assert.Zero(t, got.Playlist.TotalDurationSeconds)

	// Reference index entries for the purged track are gone.
	count := 0
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexPlaylistsByTrack, purged.ID+"\x00", func(_, _ string) (bool, error) {
			count++
			return true, nil
		})
	}))
	assert.Zero(t, count)
}
