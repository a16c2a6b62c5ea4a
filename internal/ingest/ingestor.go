// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package ingest implements the upload ingestor worker. It consumes
// object-created notifications, matches them to upload sessions, verifies
// the stored object, and creates the track document, completes the session,
// adjusts the owner's usage counters, and enqueues the AudioUploaded event
// in one transaction. Redeliveries are absorbed by the completed-session
// check, so the pipeline is idempotent per object key.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/outbox"
)

// Ingestor turns completed uploads into track documents.
type Ingestor struct {
	store      docstore.Store
	objects    objectstore.Store
	uploadCfg  config.UploadConfig
	audioTopic string
	now        func() time.Time
}

// NewIngestor wires the ingestor.
func NewIngestor(store docstore.Store, objects objectstore.Store, uploadCfg config.UploadConfig, audioTopic string) *Ingestor {
	return &Ingestor{
		store:      store,
		objects:    objects,
		uploadCfg:  uploadCfg,
		audioTopic: audioTopic,
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (i *Ingestor) SetClock(now func() time.Time) {
	i.now = now
}

// HandleObjectCreated is the bus handler for object-store notifications.
func (i *Ingestor) HandleObjectCreated(ctx context.Context, msg *bus.Message) error {
	var event models.ObjectCreatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Malformed notifications can never succeed; dead-letter immediately
		// by reporting a permanent failure.
		return fmt.Errorf("ingest: unmarshal object notification: %w", err)
	}
	if event.ObjectKey == "" {
		return errors.New("ingest: object notification without key")
	}
	return i.Ingest(ctx, &event)
}

// Ingest processes one object-created notification.
func (i *Ingestor) Ingest(ctx context.Context, event *models.ObjectCreatedEvent) error {
	session, err := i.sessionForObject(ctx, event.ObjectKey)
	if err != nil {
		return err
	}
	if session == nil {
		return i.handleOrphan(ctx, event.ObjectKey)
	}

	switch session.Status {
	case models.UploadCompleted:
		// Redelivered notification for an already-ingested upload.
		metrics.IngestsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case models.UploadExpired, models.UploadFailed:
		// The session is void; the stored bytes have no home.
		return i.failSession(ctx, session, event.ObjectKey)
	}

	if session.IsExpiredAt(i.now().UTC()) {
		// The PUT landed after the session's window closed but before the
		// sweeper got to it.
		logging.Ctx(ctx).Warn().Str("sessionId", session.ID).Msg("object arrived for expired session")
		metrics.IngestsTotal.WithLabelValues("expired").Inc()
		return i.failSession(ctx, session, event.ObjectKey)
	}

	info, err := i.objects.Head(ctx, event.ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		// Notification outlived the object. Nothing to ingest.
		logging.Ctx(ctx).Warn().Str("objectKey", event.ObjectKey).Msg("notified object missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: head %s: %w", event.ObjectKey, err)
	}

	if !strings.EqualFold(info.ContentType, session.ExpectedMimeType) {
		logging.Ctx(ctx).Warn().
			Str("sessionId", session.ID).
			Str("declared", session.ExpectedMimeType).
			Str("actual", info.ContentType).
			Msg("uploaded object content type differs from declared")
		metrics.IngestsTotal.WithLabelValues("mismatch").Inc()
		return i.failSession(ctx, session, event.ObjectKey)
	}

	if info.SizeBytes > session.MaxAllowedSizeBytes {
		logging.Ctx(ctx).Warn().
			Str("sessionId", session.ID).
			Int64("declared", session.MaxAllowedSizeBytes).
			Int64("actual", info.SizeBytes).
			Msg("uploaded object larger than declared")
		metrics.IngestsTotal.WithLabelValues("mismatch").Inc()
		return i.failSession(ctx, session, event.ObjectKey)
	}

	checksum, err := i.checksumObject(ctx, event.ObjectKey)
	if err != nil {
		return fmt.Errorf("ingest: checksum %s: %w", event.ObjectKey, err)
	}

	return i.commitIngest(ctx, session, info, checksum)
}

// sessionForObject resolves an object key to its upload session, or nil.
func (i *Ingestor) sessionForObject(ctx context.Context, objectKey string) (*models.UploadSession, error) {
	var session *models.UploadSession
	err := i.store.View(ctx, func(tx docstore.ReadTx) error {
		var docKey string
		scanErr := tx.IndexScan(docstore.IndexSessionsByObjectKey, objectKey, func(term, key string) (bool, error) {
			if term == objectKey {
				docKey = key
			}
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		if docKey == "" {
			return nil
		}
		var err error
		session, _, err = docstore.GetJSON[models.UploadSession](tx, docKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve session for %s: %w", objectKey, err)
	}
	return session, nil
}

// handleOrphan acknowledges an object no session claims. The object is left
// in place: a key outside any session could be operator-placed data, and the
// notification alone is not authority to destroy it.
func (i *Ingestor) handleOrphan(ctx context.Context, objectKey string) error {
	metrics.IngestsTotal.WithLabelValues("orphan").Inc()
	logging.Ctx(ctx).Info().Str("objectKey", objectKey).Msg("unclaimed object ignored")
	return nil
}

// failSession marks the session failed and removes the object.
func (i *Ingestor) failSession(ctx context.Context, session *models.UploadSession, objectKey string) error {
	err := i.store.Update(ctx, func(tx docstore.Tx) error {
		current, version, err := docstore.GetJSON[models.UploadSession](tx, docstore.PrefixUploadSessions+session.ID)
		if err != nil {
			return err
		}
		// Expired sessions still transition to Failed once bytes show up;
		// Completed and Failed are terminal.
		if current.Status == models.UploadCompleted || current.Status == models.UploadFailed {
			return nil
		}
		oldTerm := string(current.Status) + "\x00" + docstore.SortableTime(current.ExpiresAt) + "\x00" + current.ID
		current.Status = models.UploadFailed
		if err := docstore.PutJSON(tx, docstore.PrefixUploadSessions+current.ID, current, version); err != nil {
			return err
		}
		if err := tx.RemoveIndex(docstore.IndexSessionsByStatusExpiry, oldTerm, docstore.PrefixUploadSessions+current.ID); err != nil {
			return err
		}
		newTerm := string(current.Status) + "\x00" + docstore.SortableTime(current.ExpiresAt) + "\x00" + current.ID
		return tx.AddIndex(docstore.IndexSessionsByStatusExpiry, newTerm, docstore.PrefixUploadSessions+current.ID)
	})
	if err != nil {
		return fmt.Errorf("ingest: fail session %s: %w", session.ID, err)
	}
	if err := i.objects.Delete(ctx, objectKey); err != nil {
		return fmt.Errorf("ingest: delete rejected object %s: %w", objectKey, err)
	}
	return nil
}

// fileStem derives a display title from an uploaded file name.
func fileStem(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// checksumObject streams the object through SHA-256.
func (i *Ingestor) checksumObject(ctx context.Context, objectKey string) (string, error) {
	body, err := i.objects.Open(ctx, objectKey)
	if err != nil {
		return "", err
	}
	defer body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// commitIngest creates the track, completes the session, bumps the owner's
// counters, and enqueues AudioUploaded, all atomically. A quota breach found
// here (uploads racing each other) fails the session instead.
func (i *Ingestor) commitIngest(ctx context.Context, session *models.UploadSession, info *objectstore.ObjectInfo, checksum string) error {
	now := i.now().UTC()
	overQuota := false

	err := i.store.Update(ctx, func(tx docstore.Tx) error {
		overQuota = false
		current, sessionVersion, err := docstore.GetJSON[models.UploadSession](tx, docstore.PrefixUploadSessions+session.ID)
		if err != nil {
			return err
		}
		if current.Status != models.UploadPending {
			return nil
		}

		user, userVersion, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+current.UserID)
		if err != nil {
			return err
		}
		if user.TrackCount >= i.uploadCfg.MaxTracks ||
			user.UsedStorageBytes+info.SizeBytes > i.uploadCfg.QuotaBytes {
			overQuota = true
			return nil
		}

		track := &models.Track{
			ID:               current.TrackID,
			UserID:           current.UserID,
			Title:            current.Title,
			Artist:           current.Artist,
			ObjectKey:        current.ObjectKey,
			FileSizeBytes:    info.SizeBytes,
			MimeType:         current.ExpectedMimeType,
			ChecksumSHA256:   checksum,
			Status:           models.TrackStatusProcessing,
			ModerationStatus: models.ModerationNone,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if track.Title == "" {
			track.Title = fileStem(current.FileName)
		}
		if track.Title == "" {
			// Sessions persisted before file names were recorded.
			track.Title = "Untitled"
		}
		if err := docstore.PutJSON(tx, docstore.PrefixTracks+track.ID, track, 0); err != nil {
			return err
		}
		if err := tx.AddIndex(docstore.IndexTracksByUser,
			track.UserID+"\x00"+docstore.SortableTime(track.CreatedAt)+"\x00"+track.ID,
			docstore.PrefixTracks+track.ID); err != nil {
			return err
		}
		if err := docstore.UpdateFullText(tx, docstore.FullTextTracks, docstore.PrefixTracks+track.ID, "", track.SearchText()); err != nil {
			return err
		}

		oldTerm := string(current.Status) + "\x00" + docstore.SortableTime(current.ExpiresAt) + "\x00" + current.ID
		current.Status = models.UploadCompleted
		if err := docstore.PutJSON(tx, docstore.PrefixUploadSessions+current.ID, current, sessionVersion); err != nil {
			return err
		}
		if err := tx.RemoveIndex(docstore.IndexSessionsByStatusExpiry, oldTerm, docstore.PrefixUploadSessions+current.ID); err != nil {
			return err
		}
		newTerm := string(current.Status) + "\x00" + docstore.SortableTime(current.ExpiresAt) + "\x00" + current.ID
		if err := tx.AddIndex(docstore.IndexSessionsByStatusExpiry, newTerm, docstore.PrefixUploadSessions+current.ID); err != nil {
			return err
		}

		user.TrackCount++
		user.UsedStorageBytes += info.SizeBytes
		if err := docstore.PutJSON(tx, docstore.PrefixUsers+user.ID, user, userVersion); err != nil {
			return err
		}

		msg, err := outbox.NewMessage(i.audioTopic, models.MessageTypeAudioUploaded, track.UserID,
			logging.CorrelationIDFromContext(ctx), models.AudioUploadedEvent{
				SchemaVersion: models.SchemaVersion,
				TrackID:       track.ID,
				UserID:        track.UserID,
				ObjectKey:     track.ObjectKey,
				MimeType:      track.MimeType,
				FileSizeBytes: track.FileSizeBytes,
				ChecksumSHA:   track.ChecksumSHA256,
				CorrelationID: logging.CorrelationIDFromContext(ctx),
				Timestamp:     now,
			}, now)
		if err != nil {
			return err
		}
		return outbox.Enqueue(tx, msg)
	})
	if err != nil {
		return fmt.Errorf("ingest: commit %s: %w", session.ID, err)
	}

	if overQuota {
		metrics.IngestsTotal.WithLabelValues("mismatch").Inc()
		logging.Ctx(ctx).Warn().
			Str("sessionId", session.ID).
			Str("userId", session.UserID).
			Msg("quota exceeded at ingest")
		return i.failSession(ctx, session, session.ObjectKey)
	}

	metrics.IngestsTotal.WithLabelValues("ok").Inc()
	logging.Ctx(ctx).Info().
		Str("trackId", session.TrackID).
		Str("userId", session.UserID).
		Int64("fileSize", info.SizeBytes).
		Msg("upload ingested")
	return nil
}
