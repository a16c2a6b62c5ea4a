// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package upload

import (
	"context"
	"errors"
	"time"

	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
)

// Sweeper expires pending upload sessions past their deadline and removes
// any object a late client managed to PUT after giving up. Late arrivals
// that raced the sweep are handled by the ingestor's orphan path instead.
type Sweeper struct {
	store    docstore.Store
	objects  objectstore.Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a session sweeper.
func NewSweeper(store docstore.Store, objects objectstore.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, objects: objects, interval: interval, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("upload sweeper started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("upload sweep failed")
			}
		}
	}
}

// SweepOnce expires all pending sessions whose deadline has passed and
// returns how many were expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := string(models.UploadPending) + "\x00" + docstore.SortableTime(s.now())

	var dueKeys []string
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexSessionsByStatusExpiry, string(models.UploadPending)+"\x00", func(term, docKey string) (bool, error) {
			if term >= cutoff {
				return false, nil
			}
			dueKeys = append(dueKeys, docKey)
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, key := range dueKeys {
		ok, err := s.expireOne(ctx, key)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		metrics.UploadSessionsExpired.Add(float64(expired))
		logging.Ctx(ctx).Info().Int("expired", expired).Msg("upload sessions expired")
	}
	return expired, nil
}

// expireOne transitions a single session to expired. The transition is
// re-checked inside the transaction; a session the ingestor completed in the
// meantime is left alone.
func (s *Sweeper) expireOne(ctx context.Context, key string) (bool, error) {
	var objectKey string
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		session, version, err := docstore.GetJSON[models.UploadSession](tx, key)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if session.Status != models.UploadPending || !session.IsExpiredAt(s.now()) {
			return nil
		}

		oldTerm := statusExpiryTerm(session.Status, session.ExpiresAt, session.ID)
		session.Status = models.UploadExpired
		if err := docstore.PutJSON(tx, key, session, version); err != nil {
			return err
		}
		if err := tx.RemoveIndex(docstore.IndexSessionsByStatusExpiry, oldTerm, key); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexSessionsByStatusExpiry,
			statusExpiryTerm(session.Status, session.ExpiresAt, session.ID), key); err != nil {
			return err
		}
		objectKey = session.ObjectKey
		return nil
	})
	if err != nil || objectKey == "" {
		return false, err
	}

	// A client may have completed the PUT without the notification arriving
	// before expiry. Delete whatever landed; the upload is void either way.
	if err := s.objects.Delete(ctx, objectKey); err != nil {
		logging.Ctx(ctx).Warn().Str("objectKey", objectKey).Err(err).Msg("expired session object cleanup failed")
	}
	return true, nil
}
