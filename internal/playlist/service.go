// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package playlist implements playlist management: CRUD with per-user
// quotas, ordered entries with dense positions, batch track insertion,
// sequential reorder moves, and the cascade removal the lifecycle worker
// runs when a track is purged.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/pagination"
	"github.com/novatune/novatune/internal/track"
	"github.com/novatune/novatune/internal/validation"
)

// Service implements playlist management.
type Service struct {
	store docstore.Store
	cfg   config.PlaylistsConfig
	now   func() time.Time
}

// NewService wires the playlist service.
func NewService(store docstore.Store, cfg config.PlaylistsConfig) *Service {
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// View is a playlist together with its document version.
type View struct {
	Playlist *models.Playlist
	Version  uint64
}

// Key returns the document key for a playlist ID.
func Key(id string) string {
	return docstore.PrefixPlaylists + id
}

func userTerm(userID, playlistID string) string {
	return userID + "\x00" + playlistID
}

// trackRefTerm indexes which playlists reference a track. Track ownership is
// single-user, so the track ID alone scopes the cascade scan.
func trackRefTerm(trackID, playlistID string) string {
	return trackID + "\x00" + playlistID
}

// CreateInput creates a playlist.
type CreateInput struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=500"`
	Visibility  string `json:"visibility" validate:"omitempty,oneof=private unlisted public"`
}

// Create makes an empty playlist, subject to the per-user quota.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*View, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	visibility := models.PlaylistVisibility(in.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}

	now := s.now().UTC()
	playlist := &models.Playlist{
		ID:          ids.New(),
		UserID:      userID,
		Name:        in.Name,
		Description: in.Description,
		Entries:     []models.PlaylistEntry{},
		Visibility:  visibility,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		count := 0
		err := tx.IndexScan(docstore.IndexPlaylistsByUser, userID+"\x00", func(_, _ string) (bool, error) {
			count++
			return count < s.cfg.MaxPerUser, nil
		})
		if err != nil {
			return err
		}
		if count >= s.cfg.MaxPerUser {
			return apperr.Conflict(apperr.CodeQuotaExceeded, "playlist limit reached").
				WithExtension("maxPlaylists", s.cfg.MaxPerUser)
		}

		if err := docstore.PutJSON(tx, Key(playlist.ID), playlist, 0); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexPlaylistsByUser, userTerm(userID, playlist.ID), Key(playlist.ID)); err != nil {
			return err
		}
		return docstore.UpdateFullText(tx, docstore.FullTextPlaylists, Key(playlist.ID), "", playlist.Name)
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return &View{Playlist: playlist, Version: 1}, nil
}

// Get returns a playlist the caller may see: the owner and admins always,
// anyone else only when the playlist is not private.
func (s *Service) Get(ctx context.Context, callerID string, isAdmin bool, playlistID string) (*View, error) {
	var view View
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		view.Playlist, view.Version, err = docstore.GetJSON[models.Playlist](tx, Key(playlistID))
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("playlist", playlistID)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if view.Playlist.UserID != callerID && !isAdmin && view.Playlist.Visibility == models.VisibilityPrivate {
		return nil, apperr.NotFound("playlist", playlistID)
	}
	return &view, nil
}

// ListParams filter and paginate a playlist listing.
type ListParams struct {
	Cursor string
	Limit  int
	Search string
}

// List returns the caller's playlists newest-first. Search runs against the
// playlist-name full-text index.
func (s *Service) List(ctx context.Context, userID string, params ListParams) (*pagination.Page[View], error) {
	limit := params.Limit
	if limit <= 0 || limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	after := ""
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
			keys, err := docstore.SearchFullText(tx, docstore.FullTextPlaylists, params.Search, 0)
			if err != nil {
				return err
			}
			searchKeys = make(map[string]struct{}, len(keys))
			for _, k := range keys {
				searchKeys[k] = struct{}{}
			}
		}

		var docKeys []string
		err := tx.IndexScan(docstore.IndexPlaylistsByUser, userID+"\x00", func(_, docKey string) (bool, error) {
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

		// ULID keys sort by creation time; reverse for newest-first.
		sort.Sort(sort.Reverse(sort.StringSlice(docKeys)))

		for _, docKey := range docKeys {
			if len(views) > limit {
				break
			}
			playlist, version, err := docstore.GetJSON[models.Playlist](tx, docKey)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if after != "" && playlist.ID >= after {
				continue
			}
			views = append(views, View{Playlist: playlist, Version: version})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	page := &pagination.Page[View]{Items: views}
	if len(views) > limit {
		page.Items = views[:limit]
		page.NextCursor = pagination.Encode(page.Items[limit-1].Playlist.ID, s.now())
	}
	return page, nil
}

// UpdateInput patches playlist attributes under optimistic concurrency.
type UpdateInput struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
	Visibility  *string `json:"visibility,omitempty" validate:"omitempty,oneof=private unlisted public"`
	Version     uint64  `json:"version" validate:"required"`
}

// Update patches name, description, and visibility.
func (s *Service) Update(ctx context.Context, callerID, playlistID string, in UpdateInput) (*View, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, callerID, playlistID, in.Version, func(_ docstore.Tx, playlist *models.Playlist) error {
		if in.Name != nil {
			playlist.Name = *in.Name
		}
		if in.Description != nil {
			playlist.Description = *in.Description
		}
		if in.Visibility != nil {
			playlist.Visibility = models.PlaylistVisibility(*in.Visibility)
		}
		return nil
	})
}

// Delete removes a playlist and all its index entries.
func (s *Service) Delete(ctx context.Context, callerID, playlistID string) error {
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		playlist, _, err := docstore.GetJSON[models.Playlist](tx, Key(playlistID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("playlist", playlistID)
		}
		if err != nil {
			return err
		}
		if playlist.UserID != callerID {
			return apperr.NotFound("playlist", playlistID)
		}

		for _, trackID := range uniqueTrackIDs(playlist) {
			if err := tx.RemoveIndex(docstore.IndexPlaylistsByTrack, trackRefTerm(trackID, playlistID), Key(playlistID)); err != nil {
				return err
			}
		}
		if err := tx.RemoveIndex(docstore.IndexPlaylistsByUser, userTerm(playlist.UserID, playlistID), Key(playlistID)); err != nil {
			return err
		}
		if err := docstore.RemoveFullText(tx, docstore.FullTextPlaylists, Key(playlistID), playlist.Name); err != nil {
			return err
		}
		return tx.Delete(Key(playlistID))
	})
	return wrapErr(err)
}

// AddTracksInput inserts tracks into a playlist.
type AddTracksInput struct {
	TrackIDs []string `json:"trackIds" validate:"required,min=1,dive,required"`
	Position *int     `json:"position,omitempty"`
	Version  uint64   `json:"version" validate:"required"`
}

// AddTracks appends or inserts tracks. Every track must exist, belong to the
// caller, and be playable; duplicate entries are allowed.
func (s *Service) AddTracks(ctx context.Context, callerID, playlistID string, in AddTracksInput) (*View, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	if len(in.TrackIDs) > s.cfg.MaxAddBatch {
		return nil, apperr.Validation(apperr.CodeValidation,
			fmt.Sprintf("at most %d tracks per request", s.cfg.MaxAddBatch))
	}

	now := s.now().UTC()
	return s.mutate(ctx, callerID, playlistID, in.Version, func(tx docstore.Tx, playlist *models.Playlist) error {
		if len(playlist.Entries)+len(in.TrackIDs) > s.cfg.MaxTracks {
			return apperr.Conflict(apperr.CodeQuotaExceeded, "playlist track limit reached").
				WithExtension("maxTracks", s.cfg.MaxTracks)
		}

		referenced := make(map[string]struct{}, len(playlist.Entries))
		for _, entry := range playlist.Entries {
			referenced[entry.TrackID] = struct{}{}
		}

		var added []models.PlaylistEntry
		for _, trackID := range in.TrackIDs {
			tr, _, err := docstore.GetJSON[models.Track](tx, track.Key(trackID))
			if errors.Is(err, docstore.ErrNotFound) {
				return apperr.NotFound("track", trackID)
			}
			if err != nil {
				return err
			}
			if tr.UserID != callerID {
				return apperr.NotFound("track", trackID)
			}
			if tr.IsDeleted() || tr.Status == models.TrackStatusFailed {
				return apperr.Conflict(apperr.CodeTrackDeleted, "track is not playable").
					WithExtension("trackId", trackID)
			}
			playlist.TotalDurationSeconds += tr.DurationSeconds
			added = append(added, models.PlaylistEntry{TrackID: trackID, AddedAt: now})

			if _, ok := referenced[trackID]; !ok {
				referenced[trackID] = struct{}{}
				if err := tx.AddIndex(docstore.IndexPlaylistsByTrack, trackRefTerm(trackID, playlistID), Key(playlistID)); err != nil {
					return err
				}
			}
		}

		pos := len(playlist.Entries)
		if in.Position != nil {
			pos = *in.Position
			if pos < 0 || pos > len(playlist.Entries) {
				return apperr.Validation(apperr.CodeInvalidPosition,
					fmt.Sprintf("position %d out of range [0,%d]", pos, len(playlist.Entries)))
			}
		}
		playlist.Entries = append(playlist.Entries[:pos],
			append(append([]models.PlaylistEntry{}, added...), playlist.Entries[pos:]...)...)
		return nil
	})
}

// RemoveAt removes the entry at position and compacts the sequence.
func (s *Service) RemoveAt(ctx context.Context, callerID, playlistID string, position int, version uint64) (*View, error) {
	return s.mutate(ctx, callerID, playlistID, version, func(tx docstore.Tx, playlist *models.Playlist) error {
		if position < 0 || position >= len(playlist.Entries) {
			return apperr.Validation(apperr.CodeInvalidPosition,
				fmt.Sprintf("position %d out of range [0,%d)", position, len(playlist.Entries)))
		}

		removed := playlist.Entries[position]
		playlist.Entries = append(playlist.Entries[:position], playlist.Entries[position+1:]...)

		tr, _, err := docstore.GetJSON[models.Track](tx, track.Key(removed.TrackID))
		if err == nil {
			playlist.TotalDurationSeconds -= tr.DurationSeconds
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		if !playlist.ContainsTrack(removed.TrackID) {
			if err := tx.RemoveIndex(docstore.IndexPlaylistsByTrack, trackRefTerm(removed.TrackID, playlistID), Key(playlistID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Move is one reorder step: take the entry at From out and reinsert it at To.
type Move struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Reorder applies moves sequentially. Each move's positions are validated
// against the sequence as it stands at that step; any invalid position
// rejects the whole request.
func (s *Service) Reorder(ctx context.Context, callerID, playlistID string, moves []Move, version uint64) (*View, error) {
	if len(moves) == 0 {
		return nil, apperr.Validation(apperr.CodeValidation, "at least one move is required")
	}
	return s.mutate(ctx, callerID, playlistID, version, func(_ docstore.Tx, playlist *models.Playlist) error {
		for i, move := range moves {
			n := len(playlist.Entries)
			if move.From < 0 || move.From >= n || move.To < 0 || move.To >= n {
				return apperr.Validation(apperr.CodeInvalidPosition,
					fmt.Sprintf("move %d: positions must be in [0,%d)", i, n))
			}
			if move.From == move.To {
				continue
			}
			entry := playlist.Entries[move.From]
			rest := append(playlist.Entries[:move.From], playlist.Entries[move.From+1:]...)
			playlist.Entries = append(rest[:move.To],
				append([]models.PlaylistEntry{entry}, rest[move.To:]...)...)
		}
		return nil
	})
}

// CascadeRemoveTrack strips every occurrence of a purged track from the
// playlists that reference it. Runs inside the lifecycle worker's
// transaction, before the track document itself is deleted so the duration
// can still be subtracted.
func CascadeRemoveTrack(tx docstore.Tx, trackID string, now time.Time) (int, error) {
	var trackDuration float64
	if tr, _, err := docstore.GetJSON[models.Track](tx, track.Key(trackID)); err == nil {
		trackDuration = tr.DurationSeconds
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return 0, err
	}

	var playlistKeys []string
	err := tx.IndexScan(docstore.IndexPlaylistsByTrack, trackID+"\x00", func(_, docKey string) (bool, error) {
		playlistKeys = append(playlistKeys, docKey)
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, docKey := range playlistKeys {
		playlist, version, err := docstore.GetJSON[models.Playlist](tx, docKey)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return touched, err
		}

		kept := playlist.Entries[:0]
		removed := 0
		for _, entry := range playlist.Entries {
			if entry.TrackID == trackID {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if removed == 0 {
			continue
		}
		playlist.Entries = kept
		playlist.TotalDurationSeconds -= float64(removed) * trackDuration
		if playlist.TotalDurationSeconds < 0 {
			playlist.TotalDurationSeconds = 0
		}
		playlist.Renumber()
		playlist.UpdatedAt = now

		if err := tx.RemoveIndex(docstore.IndexPlaylistsByTrack, trackRefTerm(trackID, playlist.ID), docKey); err != nil {
			return touched, err
		}
		if err := docstore.PutJSON(tx, docKey, playlist, version); err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

// mutate runs the common ownership, concurrency, and bookkeeping envelope
// around a playlist mutation.
func (s *Service) mutate(ctx context.Context, callerID, playlistID string, expectedVersion uint64, fn func(tx docstore.Tx, playlist *models.Playlist) error) (*View, error) {
	now := s.now().UTC()
	var result *View

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		playlist, version, err := docstore.GetJSON[models.Playlist](tx, Key(playlistID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("playlist", playlistID)
		}
		if err != nil {
			return err
		}
		if playlist.UserID != callerID {
			return apperr.NotFound("playlist", playlistID)
		}
		if version != expectedVersion {
			return apperr.Conflict(apperr.CodePlaylistConcurrency, "playlist was modified concurrently").
				WithExtension("currentVersion", version)
		}

		oldName := playlist.Name
		if err := fn(tx, playlist); err != nil {
			return err
		}

		playlist.Renumber()
		playlist.UpdatedAt = now
		if playlist.Name != oldName {
			if err := docstore.UpdateFullText(tx, docstore.FullTextPlaylists, Key(playlistID), oldName, playlist.Name); err != nil {
				return err
			}
		}
		if err := docstore.PutJSON(tx, Key(playlistID), playlist, version); err != nil {
			return err
		}
		result = &View{Playlist: playlist, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return result, nil
}

func uniqueTrackIDs(playlist *models.Playlist) []string {
	seen := make(map[string]struct{}, len(playlist.Entries))
	var out []string
	for _, entry := range playlist.Entries {
		if _, ok := seen[entry.TrackID]; ok {
			continue
		}
		seen[entry.TrackID] = struct{}{}
		out = append(out, entry.TrackID)
	}
	return out
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(fmt.Errorf("playlist: %w", err))
}
