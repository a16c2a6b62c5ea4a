// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// SchemaVersion is the canonical schema version stamped on every bus message.
const SchemaVersion = "1"

// Message type tags used for outbox rows and bus headers.
const (
	MessageTypeAudioUploaded = "AudioUploaded"
	MessageTypeTrackDeleted  = "TrackDeleted"
)

// AudioUploadedEvent is emitted by the upload ingestor once a track document
// exists and the upload session is complete. Keyed by userId on the bus.
type AudioUploadedEvent struct {
	SchemaVersion string    `json:"schemaVersion"`
	TrackID       string    `json:"trackId"`
	UserID        string    `json:"userId"`
	ObjectKey     string    `json:"objectKey"`
	MimeType      string    `json:"mimeType"`
	FileSizeBytes int64     `json:"fileSize"`
	ChecksumSHA   string    `json:"checksum"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrackDeletedEvent is emitted on soft delete. Consumers invalidate cached
// stream URLs; the lifecycle worker performs the physical deletion later.
// This is the single canonical schema; older variants are deprecated.
type TrackDeletedEvent struct {
	SchemaVersion       string    `json:"schemaVersion"`
	TrackID             string    `json:"trackId"`
	UserID              string    `json:"userId"`
	ObjectKey           string    `json:"objectKey"`
	WaveformObjectKey   string    `json:"waveformObjectKey,omitempty"`
	FileSizeBytes       int64     `json:"fileSize"`
	DeletedAt           time.Time `json:"deletedAt"`
	ScheduledDeletionAt time.Time `json:"scheduledDeletionAt"`
	CorrelationID       string    `json:"correlationId,omitempty"`
}

// PlaybackEventType enumerates the telemetry event kinds.
type PlaybackEventType string

const (
	PlayStart    PlaybackEventType = "play_start"
	PlayProgress PlaybackEventType = "play_progress"
	PlayComplete PlaybackEventType = "play_complete"
	PlayStop     PlaybackEventType = "play_stop"
	PlaySeek     PlaybackEventType = "seek"
)

// IsValidPlaybackEventType reports whether t is a recognized event type.
func IsValidPlaybackEventType(t PlaybackEventType) bool {
	switch t {
	case PlayStart, PlayProgress, PlayComplete, PlayStop, PlaySeek:
		return true
	}
	return false
}

// PlaybackEvent is one playback telemetry sample, partitioned by trackId on
// the bus so per-track aggregation stays on one partition.
type PlaybackEvent struct {
	SchemaVersion         string            `json:"schemaVersion"`
	EventType             PlaybackEventType `json:"eventType"`
	TrackID               string            `json:"trackId"`
	UserID                string            `json:"userId"`
	ClientTimestamp       time.Time         `json:"clientTimestamp"`
	ServerTimestamp       time.Time         `json:"serverTimestamp"`
	PositionSeconds       *float64          `json:"positionSeconds,omitempty"`
	DurationPlayedSeconds *float64          `json:"durationPlayedSeconds,omitempty"`
	SessionID             string            `json:"sessionId,omitempty"`
	DeviceIDHash          string            `json:"deviceId,omitempty"`
	ClientVersion         string            `json:"clientVersion,omitempty"`
	CorrelationID         string            `json:"correlationId,omitempty"`
}

// ObjectCreatedEvent is the object-store notification consumed by the upload
// ingestor. The shape follows the S3/MinIO bucket-notification records the
// broker bridge flattens onto the bus.
type ObjectCreatedEvent struct {
	ObjectKey   string    `json:"objectKey"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType"`
	ETag        string    `json:"etag,omitempty"`
	EventTime   time.Time `json:"eventTime"`
}

// DeadLetterMessage is the envelope written to the {prefix}-dlq topic when a
// consumer exhausts its retry budget.
type DeadLetterMessage struct {
	OriginalTopic string    `json:"originalTopic"`
	OriginalKey   string    `json:"originalKey,omitempty"`
	PayloadJSON   string    `json:"payloadJson"`
	ErrorMessage  string    `json:"errorMessage"`
	StackTrace    string    `json:"stackTrace,omitempty"`
	RetryCount    int       `json:"retryCount"`
	FailedAt      time.Time `json:"failedAt"`
}
