// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// UploadSessionStatus is the lifecycle state of an upload session.
type UploadSessionStatus string

const (
	UploadPending   UploadSessionStatus = "pending"
	UploadCompleted UploadSessionStatus = "completed"
	UploadExpired   UploadSessionStatus = "expired"
	UploadFailed    UploadSessionStatus = "failed"
)

// UploadSession reserves a track ID and object key for a client-side upload.
// Stored under UploadSessions/{id}. The session expires with the presigned
// PUT it was issued alongside.
type UploadSession struct {
	ID                  string              `json:"id"`
	UserID              string              `json:"userId"`
	TrackID             string              `json:"trackId"`
	ObjectKey           string              `json:"objectKey"`
	FileName            string              `json:"fileName"`
	ExpectedMimeType    string              `json:"expectedMimeType"`
	MaxAllowedSizeBytes int64               `json:"maxAllowedSizeBytes"`
	Title               string              `json:"title,omitempty"`
	Artist              string              `json:"artist,omitempty"`
	Status              UploadSessionStatus `json:"status"`
	CreatedAt           time.Time           `json:"createdAt"`
	ExpiresAt           time.Time           `json:"expiresAt"`
}

// IsExpiredAt reports whether the session has passed its expiry.
func (s *UploadSession) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
