// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package track implements track management: listing with cursors and
// search, metadata updates under optimistic concurrency, and the
// soft-delete / restore lifecycle with its grace window.
package track

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/outbox"
	"github.com/novatune/novatune/internal/pagination"
	"github.com/novatune/novatune/internal/validation"
)

// Service implements track management.
type Service struct {
	store          docstore.Store
	cfg            config.TracksConfig
	deletionsTopic string
	now            func() time.Time
}

// NewService wires the track service. deletionsTopic receives TrackDeleted
// events via the outbox.
func NewService(store docstore.Store, cfg config.TracksConfig, deletionsTopic string) *Service {
	return &Service{store: store, cfg: cfg, deletionsTopic: deletionsTopic, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// View is a track together with its document version. The version rides to
// the client and comes back on update, closing the optimistic concurrency
// loop.
type View struct {
	Track   *models.Track
	Version uint64
}

// Sort fields accepted by List.
const (
	SortByCreatedAt = "createdAt"
	SortByUpdatedAt = "updatedAt"
	SortByTitle     = "title"
	SortByDuration  = "duration"
)

// ListParams filter and paginate a track listing. SortBy defaults to
// createdAt, SortOrder to desc.
type ListParams struct {
	Cursor         string
	Limit          int
	Search         string
	SortBy         string
	SortOrder      string
	IncludeDeleted bool
}

// Key returns the document key for a track ID.
func Key(id string) string {
	return docstore.PrefixTracks + id
}

// userTerm builds the per-user index term, creation-ordered.
func userTerm(userID string, createdAt time.Time, id string) string {
	return userID + "\x00" + docstore.SortableTime(createdAt) + "\x00" + id
}

// scheduledDeletionTerm orders the purge queue by deadline.
func scheduledDeletionTerm(at time.Time, id string) string {
	return docstore.SortableTime(at) + "\x00" + id
}

// sortKey builds the composite sort position for a track. The ID suffix
// keeps keys unique so the cursor is a strict position in the order.
func sortKey(track *models.Track, sortBy string) string {
	switch sortBy {
	case SortByUpdatedAt:
		return docstore.SortableTime(track.UpdatedAt) + "\x00" + track.ID
	case SortByTitle:
		return strings.ToLower(track.Title) + "\x00" + track.ID
	case SortByDuration:
		return fmt.Sprintf("%015.6f", track.DurationSeconds) + "\x00" + track.ID
	default:
		return docstore.SortableTime(track.CreatedAt) + "\x00" + track.ID
	}
}

// List returns the caller's tracks, newest-first by default. Soft-deleted
// tracks are hidden unless requested. The per-user track cap keeps the
// candidate set small enough to sort and page in memory.
func (s *Service) List(ctx context.Context, userID string, params ListParams) (*pagination.Page[View], error) {
	limit := params.Limit
	if limit <= 0 || limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	sortBy := params.SortBy
	switch sortBy {
	case "", SortByCreatedAt, SortByUpdatedAt, SortByTitle, SortByDuration:
	default:
		return nil, apperr.Validation(apperr.CodeValidation, "unknown sortBy field")
	}
	descending := true
	switch params.SortOrder {
	case "", "desc":
	case "asc":
		descending = false
	default:
		return nil, apperr.Validation(apperr.CodeValidation, "sortOrder must be asc or desc")
	}

	after := "" // exclusive sort position from the cursor
	if params.Cursor != "" {
		position, err := pagination.Decode(params.Cursor, s.cfg.CursorMaxAge, s.now())
		if err != nil {
			return nil, err
		}
		after = position
	}

	var views []View
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var searchKeys map[string]struct{}
		if params.Search != "" {
			keys, err := docstore.SearchFullText(tx, docstore.FullTextTracks, params.Search, 0)
			if err != nil {
				return err
			}
			searchKeys = make(map[string]struct{}, len(keys))
			for _, k := range keys {
				searchKeys[k] = struct{}{}
			}
		}

		var docKeys []string
		err := tx.IndexScan(docstore.IndexTracksByUser, userID+"\x00", func(_, docKey string) (bool, error) {
			if searchKeys != nil {
				if _, ok := searchKeys[docKey]; !ok {
					return true, nil
				}
			}
			docKeys = append(docKeys, docKey)
			return true, nil
		})
		if err != nil {
			return err
		}

		for _, docKey := range docKeys {
			track, version, err := docstore.GetJSON[models.Track](tx, docKey)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if track.IsDeleted() && !params.IncludeDeleted {
				continue
			}
			views = append(views, View{Track: track, Version: version})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	sort.Slice(views, func(i, j int) bool {
		ki, kj := sortKey(views[i].Track, sortBy), sortKey(views[j].Track, sortBy)
		if descending {
			return ki > kj
		}
		return ki < kj
	})

	if after != "" {
		start := len(views)
		for i := range views {
			key := sortKey(views[i].Track, sortBy)
			if (descending && key < after) || (!descending && key > after) {
				start = i
				break
			}
		}
		views = views[start:]
	}

	page := &pagination.Page[View]{Items: views}
	if len(views) > limit {
		page.Items = views[:limit]
		page.NextCursor = pagination.Encode(sortKey(page.Items[limit-1].Track, sortBy), s.now())
	}
	return page, nil
}

// Get returns a track visible to the caller. Soft-deleted tracks are gone,
// with restoration details in the error extensions.
func (s *Service) Get(ctx context.Context, callerID string, isAdmin bool, trackID string) (*View, error) {
	view, err := s.load(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if view.Track.UserID != callerID && !isAdmin {
		return nil, apperr.NotFound("track", trackID)
	}
	if view.Track.IsDeleted() {
		return nil, deletedErr(view.Track, s.now())
	}
	return view, nil
}

// UpdateInput is a metadata patch. Version must match the stored document.
type UpdateInput struct {
	Title   *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Artist  *string `json:"artist,omitempty" validate:"omitempty,max=200"`
	Version uint64  `json:"version" validate:"required"`
}

// Update patches title and artist under optimistic concurrency.
func (s *Service) Update(ctx context.Context, callerID, trackID string, in UpdateInput) (*View, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}

	var updated *View
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		track, version, err := docstore.GetJSON[models.Track](tx, Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("track", trackID)
		}
		if err != nil {
			return err
		}
		if track.UserID != callerID {
			return apperr.NotFound("track", trackID)
		}
		if track.IsDeleted() {
			return deletedErr(track, s.now())
		}
		if version != in.Version {
			return apperr.Conflict(apperr.CodeTrackConcurrency, "track was modified concurrently").
				WithExtension("currentVersion", version)
		}

		oldSearch := track.SearchText()
		if in.Title != nil {
			track.Title = *in.Title
		}
		if in.Artist != nil {
			track.Artist = *in.Artist
		}
		track.UpdatedAt = s.now().UTC()

		if track.SearchText() != oldSearch {
			if err := docstore.UpdateFullText(tx, docstore.FullTextTracks, Key(trackID), oldSearch, track.SearchText()); err != nil {
				return err
			}
		}
		if err := docstore.PutJSON(tx, Key(trackID), track, version); err != nil {
			return err
		}
		updated = &View{Track: track, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return updated, nil
}

// SoftDelete hides the track and schedules permanent deletion after the
// grace window. The TrackDeleted event rides the same transaction through
// the outbox.
func (s *Service) SoftDelete(ctx context.Context, callerID, trackID string) (*models.Track, error) {
	now := s.now().UTC()
	var deleted *models.Track

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		track, version, err := docstore.GetJSON[models.Track](tx, Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("track", trackID)
		}
		if err != nil {
			return err
		}
		if track.UserID != callerID {
			return apperr.NotFound("track", trackID)
		}
		if track.IsDeleted() {
			return apperr.Conflict(apperr.CodeTrackAlreadyDeleted, "track is already deleted")
		}

		if err := ApplySoftDelete(tx, track, version, now, s.cfg.GraceDuration,
			s.deletionsTopic, logging.CorrelationIDFromContext(ctx)); err != nil {
			return err
		}
		deleted = track
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	logging.Ctx(ctx).Info().
		Str("trackId", trackID).
		Time("scheduledDeletionAt", *deleted.ScheduledDeletionAt).
		Msg("track soft-deleted")
	return deleted, nil
}

// Restore brings a soft-deleted track back within the grace window. Restore
// at or after scheduledDeletionAt fails even if the purge has not run yet.
func (s *Service) Restore(ctx context.Context, callerID, trackID string) (*View, error) {
	now := s.now().UTC()
	var restored *View

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		track, version, err := docstore.GetJSON[models.Track](tx, Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("track", trackID)
		}
		if err != nil {
			return err
		}
		if track.UserID != callerID {
			return apperr.NotFound("track", trackID)
		}
		if !track.IsDeleted() {
			return apperr.Conflict(apperr.CodeTrackNotDeleted, "track is not deleted")
		}
		if !track.RestorableAt(now) {
			return apperr.Gone(apperr.CodeRestorationExpired, "restoration window has closed")
		}

		scheduledAt := *track.ScheduledDeletionAt
		track.Status = track.StatusBeforeDelete
		if track.Status == "" {
			track.Status = models.TrackStatusReady
		}
		track.StatusBeforeDelete = ""
		track.DeletedAt = nil
		track.ScheduledDeletionAt = nil
		track.UpdatedAt = now

		if err := docstore.PutJSON(tx, Key(trackID), track, version); err != nil {
			return err
		}
		if err := tx.RemoveIndex(docstore.IndexTracksByScheduledDel, scheduledDeletionTerm(scheduledAt, track.ID), Key(trackID)); err != nil {
			return err
		}
		restored = &View{Track: track, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	logging.Ctx(ctx).Info().Str("trackId", trackID).Msg("track restored")
	return restored, nil
}

// ApplySoftDelete performs the soft-delete mutation inside an open
// transaction: mark the track deleted, schedule the purge, and enqueue the
// TrackDeleted event through the outbox. Shared with the admin moderation
// path, which triggers the same deletion on removal.
func ApplySoftDelete(tx docstore.Tx, track *models.Track, version uint64, now time.Time, grace time.Duration, deletionsTopic, correlationID string) error {
	scheduledAt := now.Add(grace)
	track.StatusBeforeDelete = track.Status
	track.Status = models.TrackStatusDeleted
	track.DeletedAt = &now
	track.ScheduledDeletionAt = &scheduledAt
	track.UpdatedAt = now

	if err := docstore.PutJSON(tx, Key(track.ID), track, version); err != nil {
		return err
	}
	if err := tx.AddIndex(docstore.IndexTracksByScheduledDel, scheduledDeletionTerm(scheduledAt, track.ID), Key(track.ID)); err != nil {
		return err
	}

	msg, err := outbox.NewMessage(deletionsTopic, models.MessageTypeTrackDeleted, track.ID,
		correlationID, models.TrackDeletedEvent{
			SchemaVersion:       models.SchemaVersion,
			TrackID:             track.ID,
			UserID:              track.UserID,
			ObjectKey:           track.ObjectKey,
			WaveformObjectKey:   track.WaveformObjectKey,
			FileSizeBytes:       track.FileSizeBytes,
			DeletedAt:           now,
			ScheduledDeletionAt: scheduledAt,
			CorrelationID:       correlationID,
		}, now)
	if err != nil {
		return err
	}
	return outbox.Enqueue(tx, msg)
}

func (s *Service) load(ctx context.Context, trackID string) (*View, error) {
	var view View
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		view.Track, view.Version, err = docstore.GetJSON[models.Track](tx, Key(trackID))
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("track", trackID)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &view, nil
}

// deletedErr reports a soft-deleted track with its restoration window.
func deletedErr(track *models.Track, now time.Time) error {
	err := apperr.Conflict(apperr.CodeTrackDeleted, "track has been deleted")
	if track.ScheduledDeletionAt != nil {
		err = err.WithExtension("scheduledDeletionAt", track.ScheduledDeletionAt.Format(time.RFC3339)).
			WithExtension("restorable", track.RestorableAt(now))
	}
	return err
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(fmt.Errorf("track: %w", err))
}
