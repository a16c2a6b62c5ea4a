// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package objectstore adapts the S3-compatible object store. It issues
// presigned PUT/GET URLs on opaque object keys, deletes objects, and reads
// object bytes for checksum verification. Clients upload and download
// directly against the object store; the backend never proxies audio bytes.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	SizeBytes   int64
	ContentType string
	ETag        string
}

// PresignedURL is a short-lived signed URL.
type PresignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Store is the object store adapter.
type Store interface {
	// PresignPut issues a signed upload URL bound to the content type and key.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*PresignedURL, error)

	// PresignGet issues a signed download URL.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (*PresignedURL, error)

	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Open streams object bytes. The caller must close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Put uploads an object directly. Used for worker-generated artifacts
	// such as waveform peaks.
	Put(ctx context.Context, key, contentType string, body io.Reader, sizeBytes int64) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
