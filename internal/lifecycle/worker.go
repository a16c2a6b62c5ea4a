// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package lifecycle implements the deletion worker: it polls for tracks
// whose grace window has ended and performs the physical purge. Object
// deletions are best-effort; the document purge always commits atomically,
// so anything left behind in the object store is harmless garbage picked up
// on a later retry or never referenced again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/playlist"
)

// Worker purges soft-deleted tracks past their grace window. Run a single
// instance; the poll is not coordinated across processes.
type Worker struct {
	store   docstore.Store
	objects objectstore.Store
	cfg     config.LifecycleConfig
	now     func() time.Time
}

// NewWorker wires the lifecycle worker.
func NewWorker(store docstore.Store, objects objectstore.Store, cfg config.LifecycleConfig) *Worker {
	return &Worker{store: store, objects: objects, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	logging.Info().Dur("interval", w.cfg.PollingInterval).Msg("lifecycle worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logging.Error().Err(err).Msg("lifecycle pass failed")
			}
		}
	}
}

// RunOnce processes one batch of due tracks and returns how many were purged.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, backlog, err := w.collectDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: collect due tracks: %w", err)
	}
	metrics.LifecycleBacklogDepth.Set(float64(backlog))
	if len(due) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.MaxConcurrency)
	purged := make([]bool, len(due))
	for i, docKey := range due {
		group.Go(func() error {
			if err := w.purge(groupCtx, docKey); err != nil {
				logging.Ctx(groupCtx).Error().Err(err).Str("track", docKey).Msg("purge failed")
				return nil // keep the batch going; the poll retries next tick
			}
			purged[i] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, ok := range purged {
		if ok {
			count++
		}
	}
	if count > 0 {
		metrics.LifecycleDeletionsTotal.WithLabelValues("ok").Add(float64(count))
		logging.Ctx(ctx).Info().Int("purged", count).Int("backlog", backlog-count).Msg("lifecycle pass complete")
	}
	return count, nil
}

// collectDue returns up to BatchSize due track keys and the total backlog.
func (w *Worker) collectDue(ctx context.Context) ([]string, int, error) {
	cutoff := docstore.SortableTime(w.now().UTC())
	var due []string
	backlog := 0

	err := w.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexTracksByScheduledDel, "", func(term, docKey string) (bool, error) {
			deadline, _, _ := strings.Cut(term, "\x00")
			if deadline > cutoff {
				return false, nil // terms are deadline-ordered; the rest is future
			}
			backlog++
			if len(due) < w.cfg.BatchSize {
				due = append(due, docKey)
			}
			return true, nil
		})
	})
	return due, backlog, err
}

// purge performs the physical deletion of one track. Object deletions run
// first and are best-effort; the document transaction then removes the
// track, its index and search entries, cascades playlists, and returns the
// storage to the owner's quota.
func (w *Worker) purge(ctx context.Context, docKey string) error {
	var tr *models.Track
	err := w.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		tr, _, err = docstore.GetJSON[models.Track](tx, docKey)
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		// Document already gone; drop the stale index entry.
		return w.dropStaleIndexEntries(ctx, docKey)
	}
	if err != nil {
		return err
	}
	if !tr.IsDeleted() || tr.ScheduledDeletionAt == nil {
		// Restored between scan and purge. The restore removed the index
		// entry in its own transaction; nothing to do.
		return nil
	}

	if err := w.objects.Delete(ctx, tr.ObjectKey); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("objectKey", tr.ObjectKey).Msg("audio object delete failed")
	}
	if tr.WaveformObjectKey != "" {
		if err := w.objects.Delete(ctx, tr.WaveformObjectKey); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("objectKey", tr.WaveformObjectKey).Msg("waveform object delete failed")
		}
	}

	now := w.now().UTC()
	return w.store.Update(ctx, func(tx docstore.Tx) error {
		current, _, err := docstore.GetJSON[models.Track](tx, docKey)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.IsDeleted() || current.ScheduledDeletionAt == nil {
			return nil
		}

		if _, err := playlist.CascadeRemoveTrack(tx, current.ID, now); err != nil {
			return err
		}

		user, userVersion, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+current.UserID)
		if err == nil {
			if user.TrackCount > 0 {
				user.TrackCount--
			}
			user.UsedStorageBytes -= current.FileSizeBytes
			if user.UsedStorageBytes < 0 {
				user.UsedStorageBytes = 0
			}
			if err := docstore.PutJSON(tx, docstore.PrefixUsers+current.UserID, user, userVersion); err != nil {
				return err
			}
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		if err := tx.RemoveIndex(docstore.IndexTracksByScheduledDel,
			docstore.SortableTime(*current.ScheduledDeletionAt)+"\x00"+current.ID, docKey); err != nil {
			return err
		}
		if err := tx.RemoveIndex(docstore.IndexTracksByUser,
			current.UserID+"\x00"+docstore.SortableTime(current.CreatedAt)+"\x00"+current.ID, docKey); err != nil {
			return err
		}
		if err := docstore.RemoveFullText(tx, docstore.FullTextTracks, docKey, current.SearchText()); err != nil {
			return err
		}
		return tx.Delete(docKey)
	})
}

// dropStaleIndexEntries removes scheduled-deletion entries that point at a
// document that no longer exists.
func (w *Worker) dropStaleIndexEntries(ctx context.Context, docKey string) error {
	return w.store.Update(ctx, func(tx docstore.Tx) error {
		var stale []string
		err := tx.IndexScan(docstore.IndexTracksByScheduledDel, "", func(term, key string) (bool, error) {
			if key == docKey {
				stale = append(stale, term)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, term := range stale {
			if err := tx.RemoveIndex(docstore.IndexTracksByScheduledDel, term, docKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// Healthy reports whether the deletion backlog is under the configured
// threshold. Exposed through the readiness endpoint.
func (w *Worker) Healthy(ctx context.Context) (bool, int, error) {
	cutoff := docstore.SortableTime(w.now().UTC())
	backlog := 0
	err := w.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexTracksByScheduledDel, "", func(term, _ string) (bool, error) {
			deadline, _, _ := strings.Cut(term, "\x00")
			if deadline > cutoff {
				return false, nil
			}
			backlog++
			return true, nil
		})
	})
	if err != nil {
		return false, 0, err
	}
	return backlog <= w.cfg.BacklogThreshold, backlog, nil
}
