// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// TrackStatus is the processing lifecycle state of a track.
type TrackStatus string

const (
	TrackStatusProcessing TrackStatus = "processing"
	TrackStatusReady      TrackStatus = "ready"
	TrackStatusFailed     TrackStatus = "failed"
	TrackStatusDeleted    TrackStatus = "deleted"
)

// ModerationStatus is the admin moderation state of a track.
type ModerationStatus string

const (
	ModerationNone        ModerationStatus = "none"
	ModerationUnderReview ModerationStatus = "under_review"
	ModerationDisabled    ModerationStatus = "disabled"
	ModerationRemoved     ModerationStatus = "removed"
)

// FailureReason codes why audio processing rejected a track.
type FailureReason string

const (
	FailureDurationExceeded  FailureReason = "duration_exceeded"
	FailureInvalidDuration   FailureReason = "invalid_duration"
	FailureUnsupportedCodec  FailureReason = "unsupported_codec"
	FailureCorruptedFile     FailureReason = "corrupted_file"
	FailureInvalidSampleRate FailureReason = "invalid_sample_rate"
	FailureInvalidChannels   FailureReason = "invalid_channels"
	FailureFfprobeTimeout    FailureReason = "ffprobe_timeout"
	FailureFfmpegTimeout     FailureReason = "ffmpeg_timeout"
	FailureStorageError      FailureReason = "storage_error"
	FailureProcessingTimeout FailureReason = "processing_timeout"
	FailureUnknown           FailureReason = "unknown_error"
)

// AudioMetadata holds the technical metadata extracted by ffprobe.
type AudioMetadata struct {
	SampleRate    int               `json:"sampleRate"`
	Channels      int               `json:"channels"`
	BitrateBps    int64             `json:"bitrateBps,omitempty"`
	Codec         string            `json:"codec"`
	CodecLongName string            `json:"codecLongName,omitempty"`
	BitDepth      int               `json:"bitDepth,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Track is an audio track document. Stored under Tracks/{id}.
type Track struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"userId"`
	Title               string           `json:"title"`
	Artist              string           `json:"artist,omitempty"`
	DurationSeconds     float64          `json:"durationSeconds"`
	ObjectKey           string           `json:"objectKey"`
	FileSizeBytes       int64            `json:"fileSizeBytes"`
	MimeType            string           `json:"mimeType"`
	ChecksumSHA256      string           `json:"checksumSha256"`
	Metadata            *AudioMetadata   `json:"metadata,omitempty"`
	WaveformObjectKey   string           `json:"waveformObjectKey,omitempty"`
	FailureReason       FailureReason    `json:"failureReason,omitempty"`
	Status              TrackStatus      `json:"status"`
	ModerationStatus    ModerationStatus `json:"moderationStatus"`
	StatusBeforeDelete  TrackStatus      `json:"statusBeforeDelete,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
	ProcessedAt         *time.Time       `json:"processedAt,omitempty"`
	DeletedAt           *time.Time       `json:"deletedAt,omitempty"`
	ScheduledDeletionAt *time.Time       `json:"scheduledDeletionAt,omitempty"`
}

// SearchText is the text indexed for track search.
func (t *Track) SearchText() string {
	return t.Title + " " + t.Artist
}

// IsStreamable reports whether the track may be streamed: processing is
// complete and moderation has not pulled it from circulation.
func (t *Track) IsStreamable() bool {
	if t.Status != TrackStatusReady {
		return false
	}
	return t.ModerationStatus == ModerationNone || t.ModerationStatus == ModerationUnderReview
}

// IsDeleted reports whether the track is soft-deleted.
func (t *Track) IsDeleted() bool {
	return t.Status == TrackStatusDeleted
}

// RestorableAt reports whether a soft-deleted track may still be restored at
// the given time. Restore at exactly scheduledDeletionAt fails.
func (t *Track) RestorableAt(now time.Time) bool {
	return t.IsDeleted() && t.ScheduledDeletionAt != nil && now.Before(*t.ScheduledDeletionAt)
}
