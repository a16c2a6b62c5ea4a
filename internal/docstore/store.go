// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package docstore provides the document store adapter: typed keys,
// strongly-consistent reads, optimistic-concurrency writes, plain indexes
// with lexicographic range scans, and a token-based full-text index.
//
// The store is the single source of truth. Every document carries a version;
// a Put with a stale expected version fails with ErrConflict and the caller
// decides whether to retry (idempotent internal mutations) or surface a
// *Concurrency error (user-facing updates).
//
// Two implementations exist: a Badger-backed store for production and an
// in-memory store for tests. Both execute Update closures atomically.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrConflict is returned when an expected version does not match the
	// stored version, or when creating a document that already exists.
	ErrConflict = errors.New("docstore: version conflict")
)

// VersionAny skips the optimistic concurrency check on Put.
const VersionAny = ^uint64(0)

// ReadTx is a consistent read-only view of the store.
type ReadTx interface {
	// Get returns the raw document value and its version.
	Get(key string) ([]byte, uint64, error)

	// ScanPrefix iterates documents whose key starts with prefix in
	// lexicographic order. The callback returns false to stop early.
	ScanPrefix(prefix string, fn func(key string, value []byte, version uint64) (bool, error)) error

	// IndexScan iterates index entries whose term starts with termPrefix in
	// lexicographic term order. The callback returns false to stop early.
	IndexScan(index, termPrefix string, fn func(term, docKey string) (bool, error)) error
}

// Tx is a read-write transaction. All writes commit atomically or not at all.
type Tx interface {
	ReadTx

	// Put writes a document. expectedVersion 0 requires that the document
	// does not exist (create); VersionAny skips the check; any other value
	// must match the stored version.
	Put(key string, value []byte, expectedVersion uint64) error

	// PutWithTTL writes a document that the store expires after ttl.
	// Used for analytics aggregates with retention windows.
	PutWithTTL(key string, value []byte, expectedVersion uint64, ttl time.Duration) error

	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(key string) error

	// AddIndex writes an index entry mapping (index, term) -> docKey.
	// Multiple docKeys may share a term.
	AddIndex(index, term, docKey string) error

	// RemoveIndex removes an index entry.
	RemoveIndex(index, term, docKey string) error
}

// Store is the document store adapter.
type Store interface {
	// View runs a consistent read-only transaction.
	View(ctx context.Context, fn func(tx ReadTx) error) error

	// Update runs a read-write transaction. The closure may be retried on
	// internal storage conflicts, so it must be side-effect free apart from
	// its writes.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying storage.
	Close() error
}

// Document key prefixes. Documents live under type-prefixed keys, matching
// the persisted state layout: Users/{ulid}, Tracks/{ulid}, and so on.
const (
	PrefixUsers          = "Users/"
	PrefixTracks         = "Tracks/"
	PrefixPlaylists      = "Playlists/"
	PrefixUploadSessions = "UploadSessions/"
	PrefixRefreshTokens  = "RefreshTokens/"
	PrefixOutbox         = "OutboxMessages/"
	PrefixAuditLogs      = "AuditLogs/"
	PrefixTrackHourly    = "TrackHourlyAggregates/"
	PrefixTrackDaily     = "TrackDailyAggregates/"
	PrefixUserActivity   = "UserActivityAggregates/"
)

// Plain index names.
const (
	IndexUsersByEmail           = "users-by-email"
	IndexTracksByUser           = "tracks-by-user"
	IndexTracksByScheduledDel   = "tracks-by-scheduled-deletion"
	IndexPlaylistsByUser        = "playlists-by-user"
	IndexPlaylistsByTrack       = "playlists-by-track-reference"
	IndexOutboxByStatus         = "outbox-by-status"
	IndexSessionsByStatusExpiry = "upload-sessions-by-status-and-expiry"
	IndexSessionsByObjectKey    = "upload-sessions-by-object-key"
	IndexTokensByUser           = "refresh-tokens-by-user"
	IndexTokensByHash           = "refresh-tokens-by-hash"
)

// Full-text index names.
const (
	FullTextUsers     = "ft-users"
	FullTextTracks    = "ft-tracks"
	FullTextPlaylists = "ft-playlists"
)

// SortableTime formats t so that lexicographic order equals chronological
// order. Used as the leading component of range-scanned index terms.
func SortableTime(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000")
}
