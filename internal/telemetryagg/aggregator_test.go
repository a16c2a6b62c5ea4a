// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package telemetryagg

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/track"
)

var telemetryCfg = config.TelemetryConfig{RetentionDays: 90}

type fixture struct {
	agg   *Aggregator
	store *docstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := docstore.NewMemoryStore()
	tr := &models.Track{ID: "track-1", UserID: "user-1", Status: models.TrackStatusReady}
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		return docstore.PutJSON(tx, track.Key(tr.ID), tr, 0)
	}))
	return &fixture{agg: NewAggregator(store, telemetryCfg), store: store}
}

func (f *fixture) deliver(t *testing.T, event models.PlaybackEvent) {
	t.Helper()
	if event.SchemaVersion == "" {
		event.SchemaVersion = models.SchemaVersion
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, f.agg.HandlePlaybackEvent(context.Background(), &bus.Message{
		Topic:   "telemetry",
		Key:     event.TrackID,
		Payload: payload,
	}))
}

func (f *fixture) hourly(t *testing.T, trackID string, bucket time.Time) *models.TrackHourlyAggregate {
	t.Helper()
	var agg *models.TrackHourlyAggregate
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		agg, _, err = docstore.GetJSON[models.TrackHourlyAggregate](tx, hourlyKey(trackID, bucket))
		return err
	}))
	return agg
}

func (f *fixture) activity(t *testing.T, userID string, day time.Time) *models.UserActivityAggregate {
	t.Helper()
	var agg *models.UserActivityAggregate
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		agg, _, err = docstore.GetJSON[models.UserActivityAggregate](tx, activityKey(userID, day))
		return err
	}))
	return agg
}

func floatPtr(v float64) *float64 { return &v }

func TestAggregatesAcrossBuckets(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	f.deliver(t, models.PlaybackEvent{
		EventType:       models.PlayStart,
		TrackID:         "track-1",
		UserID:          "user-1",
		ServerTimestamp: at,
		SessionID:       "sess-1",
	})
	f.deliver(t, models.PlaybackEvent{
		EventType:             models.PlayComplete,
		TrackID:               "track-1",
		UserID:                "user-1",
		ServerTimestamp:       at.Add(3 * time.Minute),
		DurationPlayedSeconds: floatPtr(180),
	})

	hourly := f.hourly(t, "track-1", models.HourBucket(at))
	assert.Equal(t, int64(1), hourly.PlayStartCount)
	assert.Equal(t, int64(1), hourly.PlayCompleteCount)
	assert.Equal(t, 180.0, hourly.TotalSecondsPlayed)
	assert.Equal(t, int64(1), hourly.UniqueSessionCount)

	var daily *models.TrackDailyAggregate
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		var err error
		daily, _, err = docstore.GetJSON[models.TrackDailyAggregate](tx, dailyKey("track-1", models.DayBucket(at)))
		return err
	}))
	assert.Equal(t, int64(1), daily.PlayStartCount)
	assert.Equal(t, int64(1), daily.PlayCompleteCount)

	activity := f.activity(t, "user-1", models.DayBucket(at))
	assert.Equal(t, int64(1), activity.TotalPlays)
	assert.Equal(t, 180.0, activity.TotalSecondsPlayed)
	assert.Equal(t, at.Add(3*time.Minute), activity.LastActivityAt)
}

func TestEventsSplitAcrossHourBuckets(t *testing.T) {
	f := newFixture(t)
	first := time.Date(2026, 3, 5, 14, 59, 0, 0, time.UTC)
	second := time.Date(2026, 3, 5, 15, 1, 0, 0, time.UTC)

	for _, at := range []time.Time{first, second} {
		f.deliver(t, models.PlaybackEvent{
			EventType:       models.PlayStart,
			TrackID:         "track-1",
			UserID:          "user-1",
			ServerTimestamp: at,
		})
	}

	assert.Equal(t, int64(1), f.hourly(t, "track-1", models.HourBucket(first)).PlayStartCount)
	assert.Equal(t, int64(1), f.hourly(t, "track-1", models.HourBucket(second)).PlayStartCount)

	// Same day, so the daily totals merge.
	activity := f.activity(t, "user-1", models.DayBucket(first))
	assert.Equal(t, int64(2), activity.TotalPlays)
}

func TestUniqueTracksCountedOncePerDay(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		f.deliver(t, models.PlaybackEvent{
			EventType:       models.PlayStart,
			TrackID:         "track-1",
			UserID:          "user-1",
			ServerTimestamp: at.Add(time.Duration(i) * time.Hour),
		})
	}

	activity := f.activity(t, "user-1", models.DayBucket(at))
	assert.Equal(t, int64(3), activity.TotalPlays)
	assert.Equal(t, int64(1), activity.UniqueTracksPlayed, "repeat plays of the same track count once")
}

func TestLastActivityIsMax(t *testing.T) {
	f := newFixture(t)
	late := time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)
	early := late.Add(-2 * time.Hour)

	// Out-of-order delivery; the max wins.
	f.deliver(t, models.PlaybackEvent{EventType: models.PlayStop, TrackID: "track-1", UserID: "user-1", ServerTimestamp: late})
	f.deliver(t, models.PlaybackEvent{EventType: models.PlayStop, TrackID: "track-1", UserID: "user-1", ServerTimestamp: early})

	activity := f.activity(t, "user-1", models.DayBucket(late))
	assert.Equal(t, late, activity.LastActivityAt)
}

func TestInvalidEventsAreDropped(t *testing.T) {
	f := newFixture(t)

	// Garbage payload, unknown event type, and a missing track are all
	// acked without touching any aggregate.
	require.NoError(t, f.agg.HandlePlaybackEvent(context.Background(), &bus.Message{Payload: []byte("{broken")}))
	f.deliver(t, models.PlaybackEvent{EventType: "rewind", TrackID: "track-1", UserID: "user-1"})
	f.deliver(t, models.PlaybackEvent{EventType: models.PlayStart, TrackID: "ghost", UserID: "user-1"})

	count := 0
	require.NoError(t, f.store.View(context.Background(), func(tx docstore.ReadTx) error {
		return tx.ScanPrefix(docstore.PrefixTrackHourly, func(_ string, _ []byte, _ uint64) (bool, error) {
			count++
			return true, nil
		})
	}))
	assert.Zero(t, count)
}
