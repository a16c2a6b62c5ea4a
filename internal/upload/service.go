// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package upload implements direct-to-storage uploads: session initiation
// with quota and content checks, presigned PUT issuance, and the sweeper
// that expires abandoned sessions. The backend never proxies audio bytes.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/validation"
)

// Service implements upload session management.
type Service struct {
	store   docstore.Store
	objects objectstore.Store
	cfg     config.UploadConfig
	now     func() time.Time
}

// NewService wires the upload service.
func NewService(store docstore.Store, objects objectstore.Store, cfg config.UploadConfig) *Service {
	return &Service{store: store, objects: objects, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// InitiateInput is the upload initiation request. Title and artist are
// optional; the processor falls back to embedded tags and the file name.
type InitiateInput struct {
	FileName      string `json:"fileName" validate:"required,min=1,max=255"`
	MimeType      string `json:"mimeType" validate:"required,max=100"`
	FileSizeBytes int64  `json:"fileSizeBytes" validate:"required,gt=0"`
	Title         string `json:"title,omitempty" validate:"omitempty,max=200"`
	Artist        string `json:"artist,omitempty" validate:"omitempty,max=200"`
}

// InitiateResult is the issued session and its presigned upload URL.
type InitiateResult struct {
	Session   *models.UploadSession
	UploadURL *objectstore.PresignedURL
}

func sessionKey(id string) string {
	return docstore.PrefixUploadSessions + id
}

// statusExpiryTerm indexes sessions by status and expiry so the sweeper can
// range-scan pending sessions in expiry order.
func statusExpiryTerm(status models.UploadSessionStatus, expiresAt time.Time, id string) string {
	return string(status) + "\x00" + docstore.SortableTime(expiresAt) + "\x00" + id
}

// Initiate validates the declared upload, reserves a track ID and object
// key, and issues a presigned PUT. Quota checks here are advisory; the
// ingestor re-checks against the actual stored object.
func (s *Service) Initiate(ctx context.Context, userID string, in InitiateInput) (*InitiateResult, error) {
	if err := validation.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !validFileName(in.FileName) {
		return nil, apperr.Validation(apperr.CodeInvalidFileName,
			"file name must not contain path separators or control characters")
	}
	if !s.mimeAllowed(in.MimeType) {
		return nil, apperr.Validation(apperr.CodeUnsupportedMimeType,
			fmt.Sprintf("mime type %q is not supported", in.MimeType)).
			WithExtension("allowedTypes", s.cfg.MimeAllowlist)
	}
	if in.FileSizeBytes > s.cfg.MaxFileSizeBytes {
		return nil, apperr.Validation(apperr.CodeFileTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", s.cfg.MaxFileSizeBytes)).
			WithExtension("maxFileSizeBytes", s.cfg.MaxFileSizeBytes)
	}

	now := s.now().UTC()
	trackID := ids.NewAt(now)
	nonce, err := objectNonce()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	session := &models.UploadSession{
		ID:                  ids.NewAt(now),
		UserID:              userID,
		TrackID:             trackID,
		ObjectKey:           fmt.Sprintf("audio/%s/%s/%s", userID, trackID, nonce),
		FileName:            in.FileName,
		ExpectedMimeType:    in.MimeType,
		MaxAllowedSizeBytes: in.FileSizeBytes,
		Title:               in.Title,
		Artist:              in.Artist,
		Status:              models.UploadPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.SessionTTL),
	}

	err = s.store.Update(ctx, func(tx docstore.Tx) error {
		user, _, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+userID)
		if err != nil {
			return err
		}
		if !user.IsActive() {
			return apperr.Forbidden(apperr.CodeAccountDisabled, "account cannot upload")
		}
		if user.TrackCount >= s.cfg.MaxTracks {
			return apperr.Conflict(apperr.CodeQuotaExceeded,
				fmt.Sprintf("track limit of %d reached", s.cfg.MaxTracks)).
				WithExtension("maxTracks", s.cfg.MaxTracks)
		}
		if user.UsedStorageBytes+in.FileSizeBytes > s.cfg.QuotaBytes {
			return apperr.Conflict(apperr.CodeQuotaExceeded, "storage quota exceeded").
				WithExtension("quotaBytes", s.cfg.QuotaBytes).
				WithExtension("usedBytes", user.UsedStorageBytes).
				WithExtension("requestedBytes", in.FileSizeBytes)
		}

		if err := docstore.PutJSON(tx, sessionKey(session.ID), session, 0); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexSessionsByObjectKey, session.ObjectKey, sessionKey(session.ID)); err != nil {
			return err
		}
		return tx.AddIndex(docstore.IndexSessionsByStatusExpiry,
			statusExpiryTerm(session.Status, session.ExpiresAt, session.ID), sessionKey(session.ID))
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	uploadURL, err := s.objects.PresignPut(ctx, session.ObjectKey, session.ExpectedMimeType, s.cfg.SessionTTL)
	if err != nil {
		return nil, apperr.Unavailable("object store unavailable", err)
	}

	metrics.UploadSessionsInitiated.Inc()
	logging.Ctx(ctx).Info().
		Str("sessionId", session.ID).
		Str("trackId", session.TrackID).
		Str("userId", userID).
		Msg("upload session initiated")

	return &InitiateResult{Session: session, UploadURL: uploadURL}, nil
}

// GetSession returns a session owned by the caller.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*models.UploadSession, error) {
	var session *models.UploadSession
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		session, _, err = docstore.GetJSON[models.UploadSession](tx, sessionKey(sessionID))
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound("upload session", sessionID)
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	// Ownership hides other users' sessions entirely.
	if session.UserID != userID {
		return nil, apperr.NotFound("upload session", sessionID)
	}
	return session, nil
}

// mimeAllowed matches case-insensitively; clients disagree on the casing of
// registered MIME names.
func (s *Service) mimeAllowed(mimeType string) bool {
	for _, allowed := range s.cfg.MimeAllowlist {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// validFileName rejects names that could smuggle path segments or control
// characters into object metadata or derived titles.
func validFileName(name string) bool {
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// objectNonce returns 16 random bytes as a 22-character URL-safe string. The
// nonce makes object keys unguessable even when IDs leak.
func objectNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("upload: nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(fmt.Errorf("upload: %w", err))
}
