// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package telemetryagg consumes playback telemetry and rolls it into
// hourly and daily aggregates. Every update is commutative (counter adds
// and a last-timestamp max), so event ordering between partitions does not
// matter and redelivery only inflates counters, never corrupts them.
package telemetryagg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/track"
)

// Aggregator applies playback events to the aggregate documents.
type Aggregator struct {
	store     docstore.Store
	retention time.Duration
	now       func() time.Time
}

// NewAggregator wires the aggregator. Aggregates expire after the configured
// retention so old analytics clean themselves up at the storage level.
func NewAggregator(store docstore.Store, cfg config.TelemetryConfig) *Aggregator {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	return &Aggregator{store: store, retention: retention, now: time.Now}
}

// SetClock overrides the time source for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

func hourlyKey(trackID string, bucket time.Time) string {
	return docstore.PrefixTrackHourly + trackID + "/" + models.HourBucketKey(bucket)
}

func dailyKey(trackID string, bucket time.Time) string {
	return docstore.PrefixTrackDaily + trackID + "/" + models.DayBucketKey(bucket)
}

func activityKey(userID string, day time.Time) string {
	return docstore.PrefixUserActivity + userID + "/" + models.DayBucketKey(day)
}

// trackSeenKey marks that a user already played a track on a given day. The
// marker makes uniqueTracksPlayed exact while expiring with its aggregate.
func trackSeenKey(userID string, day time.Time, trackID string) string {
	return docstore.PrefixUserActivity + userID + "/" + models.DayBucketKey(day) + "/t/" + trackID
}

// HandlePlaybackEvent is the bus consumer handler. Malformed or unknown
// events are counted and dropped; they would fail identically on every
// retry.
func (a *Aggregator) HandlePlaybackEvent(ctx context.Context, msg *bus.Message) error {
	var event models.PlaybackEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		metrics.PlaybackEventsTotal.WithLabelValues("invalid").Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed playback event")
		return nil
	}
	if event.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, event.CorrelationID)
	}

	if !models.IsValidPlaybackEventType(event.EventType) || event.TrackID == "" || event.UserID == "" {
		metrics.PlaybackEventsTotal.WithLabelValues("invalid").Inc()
		logging.Ctx(ctx).Warn().
			Str("eventType", string(event.EventType)).
			Str("trackId", event.TrackID).
			Msg("dropping invalid playback event")
		return nil
	}

	known, err := a.trackExists(ctx, event.TrackID)
	if err != nil {
		return err
	}
	if !known {
		metrics.PlaybackEventsTotal.WithLabelValues("unknown_track").Inc()
		logging.Ctx(ctx).Debug().Str("trackId", event.TrackID).Msg("playback event for unknown track")
		return nil
	}

	if err := a.Apply(ctx, &event); err != nil {
		return err
	}
	metrics.PlaybackEventsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Apply folds one event into the hourly, daily, and user-activity
// aggregates in a single transaction.
func (a *Aggregator) Apply(ctx context.Context, event *models.PlaybackEvent) error {
	at := event.ServerTimestamp
	if at.IsZero() {
		at = a.now()
	}
	hour := models.HourBucket(at)
	day := models.DayBucket(at)

	err := a.store.Update(ctx, func(tx docstore.Tx) error {
		if err := a.applyTrackHourly(tx, event, hour); err != nil {
			return err
		}
		if err := a.applyTrackDaily(tx, event, day); err != nil {
			return err
		}
		return a.applyUserActivity(tx, event, day)
	})
	if err != nil {
		return fmt.Errorf("telemetryagg: apply %s for track %s: %w", event.EventType, event.TrackID, err)
	}
	return nil
}

func (a *Aggregator) applyTrackHourly(tx docstore.Tx, event *models.PlaybackEvent, bucket time.Time) error {
	key := hourlyKey(event.TrackID, bucket)
	agg, version, err := docstore.GetJSON[models.TrackHourlyAggregate](tx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		agg = &models.TrackHourlyAggregate{TrackID: event.TrackID, Bucket: bucket}
		version = 0
	} else if err != nil {
		return err
	}

	applyCounters(event, &agg.PlayStartCount, &agg.PlayCompleteCount, &agg.TotalSecondsPlayed, &agg.UniqueSessionCount)
	agg.ExpiresAt = bucket.Add(a.retention)
	return docstore.PutJSONWithTTL(tx, key, agg, version, a.retention)
}

func (a *Aggregator) applyTrackDaily(tx docstore.Tx, event *models.PlaybackEvent, bucket time.Time) error {
	key := dailyKey(event.TrackID, bucket)
	agg, version, err := docstore.GetJSON[models.TrackDailyAggregate](tx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		agg = &models.TrackDailyAggregate{TrackID: event.TrackID, Bucket: bucket}
		version = 0
	} else if err != nil {
		return err
	}

	applyCounters(event, &agg.PlayStartCount, &agg.PlayCompleteCount, &agg.TotalSecondsPlayed, &agg.UniqueSessionCount)
	agg.ExpiresAt = bucket.Add(a.retention)
	return docstore.PutJSONWithTTL(tx, key, agg, version, a.retention)
}

func (a *Aggregator) applyUserActivity(tx docstore.Tx, event *models.PlaybackEvent, day time.Time) error {
	key := activityKey(event.UserID, day)
	agg, version, err := docstore.GetJSON[models.UserActivityAggregate](tx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		agg = &models.UserActivityAggregate{UserID: event.UserID, Day: day}
		version = 0
	} else if err != nil {
		return err
	}

	if event.EventType == models.PlayStart {
		agg.TotalPlays++

		seenKey := trackSeenKey(event.UserID, day, event.TrackID)
		_, _, err := tx.Get(seenKey)
		if errors.Is(err, docstore.ErrNotFound) {
			agg.UniqueTracksPlayed++
			marker := struct {
				At time.Time `json:"at"`
			}{At: event.ServerTimestamp}
			if err := docstore.PutJSONWithTTL(tx, seenKey, &marker, 0, a.retention); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	if event.DurationPlayedSeconds != nil {
		agg.TotalSecondsPlayed += *event.DurationPlayedSeconds
	}
	if event.ServerTimestamp.After(agg.LastActivityAt) {
		agg.LastActivityAt = event.ServerTimestamp
	}
	agg.ExpiresAt = day.Add(a.retention)
	return docstore.PutJSONWithTTL(tx, key, agg, version, a.retention)
}

// applyCounters folds the shared per-track counter updates. Session
// uniqueness is approximated by counting sessions on play_start only.
func applyCounters(event *models.PlaybackEvent, starts, completes *int64, seconds *float64, sessions *int64) {
	switch event.EventType {
	case models.PlayStart:
		*starts++
		if event.SessionID != "" {
			*sessions++
		}
	case models.PlayComplete:
		*completes++
	}
	if event.DurationPlayedSeconds != nil {
		*seconds += *event.DurationPlayedSeconds
	}
}

func (a *Aggregator) trackExists(ctx context.Context, trackID string) (bool, error) {
	exists := false
	err := a.store.View(ctx, func(tx docstore.ReadTx) error {
		_, _, err := tx.Get(track.Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}
