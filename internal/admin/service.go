// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package admin implements the moderation surface: user and track listing
// with search, status changes, track moderation, analytics reads over the
// telemetry aggregates, and the audit trail every mutation leaves behind.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/audit"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/pagination"
	"github.com/novatune/novatune/internal/track"
)

// StreamInvalidator drops cached stream URLs when moderation pulls content.
type StreamInvalidator interface {
	InvalidateTrack(ctx context.Context, userID, trackID string) error
	InvalidateUser(ctx context.Context, userID string) error
}

// Actor identifies the admin performing a mutation, for the audit trail.
type Actor struct {
	UserID    string
	Email     string
	ClientIP  string
	UserAgent string
}

// Service implements the admin surface.
type Service struct {
	store          docstore.Store
	auditLog       *audit.Log
	streams        StreamInvalidator
	cfg            config.AdminConfig
	tracksCfg      config.TracksConfig
	deletionsTopic string
	now            func() time.Time
}

// NewService wires the admin service. streams may be nil when no cache is
// configured.
func NewService(store docstore.Store, auditLog *audit.Log, streams StreamInvalidator, cfg config.AdminConfig, tracksCfg config.TracksConfig, deletionsTopic string) *Service {
	return &Service{
		store:          store,
		auditLog:       auditLog,
		streams:        streams,
		cfg:            cfg,
		tracksCfg:      tracksCfg,
		deletionsTopic: deletionsTopic,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.auditLog.SetClock(now)
}

// reasonAllowed checks the moderation reason against the allowlist.
func (s *Service) reasonAllowed(code string) bool {
	for _, allowed := range s.cfg.ReasonCodeAllowlist {
		if code == allowed {
			return true
		}
	}
	return false
}

// UserView is a user with password material stripped, plus the version for
// optimistic concurrency on status changes.
type UserView struct {
	User    *models.User
	Version uint64
}

// ListUsersParams filter the admin user listing.
type ListUsersParams struct {
	Cursor string
	Limit  int
	Search string
	Status models.UserStatus
}

// ListUsers pages all accounts newest-first with optional search over email
// and display name.
func (s *Service) ListUsers(ctx context.Context, params ListUsersParams) (*pagination.Page[UserView], error) {
	limit := params.Limit
	if limit <= 0 || limit > s.cfg.MaxUserPageSize {
		limit = s.cfg.MaxUserPageSize
	}
	after := ""
	if params.Cursor != "" {
		position, err := pagination.Decode(params.Cursor, s.tracksCfg.CursorMaxAge, s.now())
		if err != nil {
			return nil, err
		}
		after = position
	}

	var views []UserView
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var searchKeys map[string]struct{}
		if params.Search != "" {
			keys, err := docstore.SearchFullText(tx, docstore.FullTextUsers, params.Search, 0)
			if err != nil {
				return err
			}
			searchKeys = make(map[string]struct{}, len(keys))
			for _, k := range keys {
				searchKeys[k] = struct{}{}
			}
		}

		var docKeys []string
		err := tx.ScanPrefix(docstore.PrefixUsers, func(key string, _ []byte, _ uint64) (bool, error) {
			if searchKeys != nil {
				if _, ok := searchKeys[key]; !ok {
					return true, nil
				}
			}
			docKeys = append(docKeys, key)
			return true, nil
		})
		if err != nil {
			return err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(docKeys)))

		for _, docKey := range docKeys {
			if len(views) > limit {
				break
			}
			user, version, err := docstore.GetJSON[models.User](tx, docKey)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if after != "" && user.ID >= after {
				continue
			}
			if params.Status != "" && user.Status != params.Status {
				continue
			}
			user.PasswordHash = ""
			views = append(views, UserView{User: user, Version: version})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	page := &pagination.Page[UserView]{Items: views}
	if len(views) > limit {
		page.Items = views[:limit]
		page.NextCursor = pagination.Encode(page.Items[limit-1].User.ID, s.now())
	}
	return page, nil
}

// SetUserStatusInput changes an account's lifecycle status.
type SetUserStatusInput struct {
	Status     models.UserStatus
	ReasonCode string
	ReasonText string
}

// SetUserStatus updates a user's status. Admins cannot change their own
// status, which keeps at least one working admin account around.
func (s *Service) SetUserStatus(ctx context.Context, actor Actor, targetUserID string, in SetUserStatusInput) (*UserView, error) {
	switch in.Status {
	case models.UserStatusActive, models.UserStatusDisabled, models.UserStatusPendingDeletion:
	default:
		return nil, apperr.Validation(apperr.CodeValidation, "unknown user status")
	}
	if !s.reasonAllowed(in.ReasonCode) {
		return nil, apperr.Validation(apperr.CodeValidation, "reason code is not in the allowlist").
			WithExtension("allowedReasonCodes", s.cfg.ReasonCodeAllowlist)
	}
	if targetUserID == actor.UserID {
		return nil, apperr.Forbidden(apperr.CodeAccessDenied, "admins cannot change their own status")
	}

	var result *UserView
	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		user, version, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+targetUserID)
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("user", targetUserID)
		}
		if err != nil {
			return err
		}

		previous := user.Status
		if previous == in.Status {
			result = &UserView{User: user, Version: version}
			return nil
		}
		user.Status = in.Status
		if err := docstore.PutJSON(tx, docstore.PrefixUsers+targetUserID, user, version); err != nil {
			return err
		}

		_, err = s.auditLog.Append(tx, audit.Entry{
			ActorUserID:   actor.UserID,
			ActorEmail:    actor.Email,
			Action:        models.AuditUserStatusChanged,
			TargetType:    "user",
			TargetID:      targetUserID,
			ReasonCode:    in.ReasonCode,
			ReasonText:    in.ReasonText,
			PreviousState: map[string]string{"status": string(previous)},
			NewState:      map[string]string{"status": string(in.Status)},
			CorrelationID: logging.CorrelationIDFromContext(ctx),
			ClientIP:      actor.ClientIP,
			UserAgent:     actor.UserAgent,
		})
		if err != nil {
			return err
		}
		result = &UserView{User: user, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	// A disabled owner must not keep streaming from cached URLs.
	if in.Status != models.UserStatusActive && s.streams != nil {
		if err := s.streams.InvalidateUser(ctx, targetUserID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("userId", targetUserID).Msg("stream cache invalidation failed")
		}
	}

	result.User.PasswordHash = ""
	logging.Ctx(ctx).Info().
		Str("actorId", actor.UserID).
		Str("targetId", targetUserID).
		Str("status", string(in.Status)).
		Msg("user status changed")
	return result, nil
}

// ListTracksParams filter the admin track listing.
type ListTracksParams struct {
	Cursor string
	Limit  int
	Search string
	UserID string
	Status models.TrackStatus
}

// ListTracks pages all tracks newest-first, across users.
func (s *Service) ListTracks(ctx context.Context, params ListTracksParams) (*pagination.Page[track.View], error) {
	limit := params.Limit
	if limit <= 0 || limit > s.cfg.MaxTrackPageSize {
		limit = s.cfg.MaxTrackPageSize
	}
	after := ""
	if params.Cursor != "" {
		position, err := pagination.Decode(params.Cursor, s.tracksCfg.CursorMaxAge, s.now())
		if err != nil {
			return nil, err
		}
		after = position
	}

	var views []track.View
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
		err := tx.ScanPrefix(docstore.PrefixTracks, func(key string, _ []byte, _ uint64) (bool, error) {
			if searchKeys != nil {
				if _, ok := searchKeys[key]; !ok {
					return true, nil
				}
			}
			docKeys = append(docKeys, key)
			return true, nil
		})
		if err != nil {
			return err
		}
		sort.Sort(sort.Reverse(sort.StringSlice(docKeys)))

		for _, docKey := range docKeys {
			if len(views) > limit {
				break
			}
			tr, version, err := docstore.GetJSON[models.Track](tx, docKey)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if after != "" && tr.ID >= after {
				continue
			}
			if params.UserID != "" && tr.UserID != params.UserID {
				continue
			}
			if params.Status != "" && tr.Status != params.Status {
				continue
			}
			views = append(views, track.View{Track: tr, Version: version})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	page := &pagination.Page[track.View]{Items: views}
	if len(views) > limit {
		page.Items = views[:limit]
		page.NextCursor = pagination.Encode(page.Items[limit-1].Track.ID, s.now())
	}
	return page, nil
}

// ModerateTrackInput changes a track's moderation status.
type ModerateTrackInput struct {
	Status     models.ModerationStatus
	ReasonCode string
	ReasonText string
}

// ModerateTrack sets the moderation status. Setting Removed additionally
// runs the normal soft-delete path, so the lifecycle worker purges the
// content after the grace window like any owner deletion.
func (s *Service) ModerateTrack(ctx context.Context, actor Actor, trackID string, in ModerateTrackInput) (*track.View, error) {
	switch in.Status {
	case models.ModerationNone, models.ModerationUnderReview, models.ModerationDisabled, models.ModerationRemoved:
	default:
		return nil, apperr.Validation(apperr.CodeValidation, "unknown moderation status")
	}
	if !s.reasonAllowed(in.ReasonCode) {
		return nil, apperr.Validation(apperr.CodeValidation, "reason code is not in the allowlist").
			WithExtension("allowedReasonCodes", s.cfg.ReasonCodeAllowlist)
	}

	now := s.now().UTC()
	var result *track.View
	var ownerID string
	var leftStreamable bool

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		tr, version, err := docstore.GetJSON[models.Track](tx, track.Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("track", trackID)
		}
		if err != nil {
			return err
		}

		previous := tr.ModerationStatus
		wasStreamable := tr.IsStreamable()
		tr.ModerationStatus = in.Status
		tr.UpdatedAt = now
		ownerID = tr.UserID

		if in.Status == models.ModerationRemoved && !tr.IsDeleted() {
			if err := track.ApplySoftDelete(tx, tr, version, now, s.tracksCfg.GraceDuration,
				s.deletionsTopic, logging.CorrelationIDFromContext(ctx)); err != nil {
				return err
			}
		} else {
			if err := docstore.PutJSON(tx, track.Key(trackID), tr, version); err != nil {
				return err
			}
		}
		leftStreamable = wasStreamable && !tr.IsStreamable()

		_, err = s.auditLog.Append(tx, audit.Entry{
			ActorUserID:   actor.UserID,
			ActorEmail:    actor.Email,
			Action:        models.AuditTrackModerated,
			TargetType:    "track",
			TargetID:      trackID,
			ReasonCode:    in.ReasonCode,
			ReasonText:    in.ReasonText,
			PreviousState: map[string]string{"moderationStatus": string(previous)},
			NewState:      map[string]string{"moderationStatus": string(in.Status)},
			CorrelationID: logging.CorrelationIDFromContext(ctx),
			ClientIP:      actor.ClientIP,
			UserAgent:     actor.UserAgent,
		})
		if err != nil {
			return err
		}
		result = &track.View{Track: tr, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	if leftStreamable && s.streams != nil {
		if err := s.streams.InvalidateTrack(ctx, ownerID, trackID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("trackId", trackID).Msg("stream cache invalidation failed")
		}
	}

	logging.Ctx(ctx).Info().
		Str("actorId", actor.UserID).
		Str("trackId", trackID).
		Str("moderationStatus", string(in.Status)).
		Msg("track moderated")
	return result, nil
}

// DeleteTrack soft-deletes any user's track as an admin action, with an
// audit entry.
func (s *Service) DeleteTrack(ctx context.Context, actor Actor, trackID, reasonCode, reasonText string) (*models.Track, error) {
	if !s.reasonAllowed(reasonCode) {
		return nil, apperr.Validation(apperr.CodeValidation, "reason code is not in the allowlist").
			WithExtension("allowedReasonCodes", s.cfg.ReasonCodeAllowlist)
	}

	now := s.now().UTC()
	var deleted *models.Track
	var ownerID string

	err := s.store.Update(ctx, func(tx docstore.Tx) error {
		tr, version, err := docstore.GetJSON[models.Track](tx, track.Key(trackID))
		if errors.Is(err, docstore.ErrNotFound) {
			return apperr.NotFound("track", trackID)
		}
		if err != nil {
			return err
		}
		if tr.IsDeleted() {
			return apperr.Conflict(apperr.CodeTrackAlreadyDeleted, "track is already deleted")
		}
		ownerID = tr.UserID

		if err := track.ApplySoftDelete(tx, tr, version, now, s.tracksCfg.GraceDuration,
			s.deletionsTopic, logging.CorrelationIDFromContext(ctx)); err != nil {
			return err
		}

		_, err = s.auditLog.Append(tx, audit.Entry{
			ActorUserID:   actor.UserID,
			ActorEmail:    actor.Email,
			Action:        models.AuditTrackDeleted,
			TargetType:    "track",
			TargetID:      trackID,
			ReasonCode:    reasonCode,
			ReasonText:    reasonText,
			NewState:      map[string]string{"status": string(models.TrackStatusDeleted)},
			CorrelationID: logging.CorrelationIDFromContext(ctx),
			ClientIP:      actor.ClientIP,
			UserAgent:     actor.UserAgent,
		})
		if err != nil {
			return err
		}
		deleted = tr
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	if s.streams != nil {
		if err := s.streams.InvalidateTrack(ctx, ownerID, trackID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("trackId", trackID).Msg("stream cache invalidation failed")
		}
	}
	return deleted, nil
}

// ListAuditLog pages the audit trail newest-first.
func (s *Service) ListAuditLog(ctx context.Context, before string, limit int) ([]models.AuditLogEntry, error) {
	if limit <= 0 || limit > s.cfg.MaxAuditPageSize {
		limit = s.cfg.MaxAuditPageSize
	}
	entries, err := s.auditLog.List(ctx, before, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	return entries, nil
}

// VerifyAuditLog walks the audit hash chain.
func (s *Service) VerifyAuditLog(ctx context.Context) (*audit.VerifyResult, error) {
	result, err := s.auditLog.Verify(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return result, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(fmt.Errorf("admin: %w", err))
}
