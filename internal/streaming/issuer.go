// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package streaming issues short-lived presigned stream URLs with an
// encrypted cache in front of the object store signer. The cache TTL runs
// out one refresh-buffer ahead of the URL itself, so a cache hit always
// leaves the client enough time to start the download.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/cache"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
)

// StreamURL is an issued stream location. The object store serves range
// requests on presigned GETs, so clients can seek without re-issuing.
type StreamURL struct {
	TrackID               string    `json:"trackId"`
	URL                   string    `json:"url"`
	ExpiresAt             time.Time `json:"expiresAt"`
	ContentType           string    `json:"contentType"`
	FileSizeBytes         int64     `json:"fileSize"`
	SupportsRangeRequests bool      `json:"supportsRangeRequests"`
}

// cacheKey scopes cached URLs per user and track so both per-track and
// per-user invalidation are single prefix operations.
func cacheKey(userID, trackID string) string {
	return fmt.Sprintf("stream:%s:%s", userID, trackID)
}

// Issuer issues and caches stream URLs.
type Issuer struct {
	store   docstore.Store
	objects objectstore.Store
	cache   cache.Cache
	cfg     config.StreamingConfig
	breaker *gobreaker.CircuitBreaker[*objectstore.PresignedURL]
	now     func() time.Time
}

// NewIssuer wires the issuer. The circuit breaker fails stream issuance
// fast when the object store signer is down.
func NewIssuer(store docstore.Store, objects objectstore.Store, c cache.Cache, cfg config.StreamingConfig) *Issuer {
	breaker := gobreaker.NewCircuitBreaker[*objectstore.PresignedURL](gobreaker.Settings{
		Name:    "stream-presign",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("presign circuit breaker state change")
		},
	})
	return &Issuer{store: store, objects: objects, cache: c, cfg: cfg, breaker: breaker, now: time.Now}
}

// SetClock overrides the time source for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue returns a stream URL for a track the caller may play. Cached URLs
// are reused while they have at least the refresh buffer of life left.
func (i *Issuer) Issue(ctx context.Context, callerID string, isAdmin bool, trackID string) (*StreamURL, error) {
	track, err := i.loadStreamable(ctx, callerID, isAdmin, trackID)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	key := cacheKey(track.UserID, track.ID)

	var cached StreamURL
	if err := i.cache.Get(ctx, key, &cached); err == nil {
		if cached.ExpiresAt.After(now.Add(i.cfg.CacheTTLBuffer)) {
			metrics.StreamURLsIssued.WithLabelValues("cache").Inc()
			return &cached, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		// Cache trouble is never fatal; sign a fresh URL.
		logging.Ctx(ctx).Warn().Err(err).Msg("stream cache read failed")
	}

	signed, err := i.breaker.Execute(func() (*objectstore.PresignedURL, error) {
		return i.objects.PresignGet(ctx, track.ObjectKey, i.cfg.PresignTTL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Unavailable("stream signing temporarily unavailable", err)
		}
		return nil, apperr.Unavailable("object store unavailable", err)
	}

	result := &StreamURL{
		TrackID:               track.ID,
		URL:                   signed.URL,
		ExpiresAt:             signed.ExpiresAt,
		ContentType:           track.MimeType,
		FileSizeBytes:         track.FileSizeBytes,
		SupportsRangeRequests: true,
	}

	// Cache for the URL's life minus the buffer; a hit at the very end of
	// the TTL still leaves the buffer before the URL dies.
	if ttl := i.cfg.PresignTTL - i.cfg.CacheTTLBuffer; ttl > 0 {
		if err := i.cache.Set(ctx, key, result, ttl); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("stream cache write failed")
		}
	}

	metrics.StreamURLsIssued.WithLabelValues("signed").Inc()
	return result, nil
}

// loadStreamable loads the track and enforces visibility and state.
func (i *Issuer) loadStreamable(ctx context.Context, callerID string, isAdmin bool, trackID string) (*models.Track, error) {
	var track *models.Track
	err := i.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		track, _, err = docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+trackID)
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("track", trackID)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("streaming: %w", err))
	}

	if track.UserID != callerID && !isAdmin {
		return nil, apperr.NotFound("track", trackID)
	}
	if track.IsDeleted() {
		return nil, apperr.Conflict(apperr.CodeTrackDeleted, "track has been deleted")
	}
	if !track.IsStreamable() {
		return nil, apperr.Conflict(apperr.CodeTrackNotReady, "track is not ready for streaming").
			WithExtension("status", string(track.Status))
	}
	return track, nil
}

// InvalidateTrack drops the cached URL for one track.
func (i *Issuer) InvalidateTrack(ctx context.Context, userID, trackID string) error {
	if err := i.cache.Delete(ctx, cacheKey(userID, trackID)); err != nil {
		return err
	}
	metrics.StreamCacheInvalidations.Inc()
	return nil
}

// InvalidateUser drops every cached URL for a user. Used when moderation or
// account actions pull a whole catalog.
func (i *Issuer) InvalidateUser(ctx context.Context, userID string) error {
	if err := i.cache.DeleteByPattern(ctx, fmt.Sprintf("stream:%s:", userID)); err != nil {
		return err
	}
	metrics.StreamCacheInvalidations.Inc()
	return nil
}
