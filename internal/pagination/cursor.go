// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package pagination implements opaque, expiring list cursors. A cursor
// encodes the last-seen sort position plus its issue time; stale cursors are
// rejected instead of silently returning drifted pages.
package pagination

import (
	"encoding/base64"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/apperr"
)

const cursorVersion = 1

// cursor is the decoded wire form. Position is the last-seen sort key; for
// ID-ordered lists it is the last document ID on the previous page.
type cursor struct {
	V        int       `json:"v"`
	Position string    `json:"id"`
	IssuedAt time.Time `json:"ts"`
}

// Encode builds an opaque cursor for the given position.
func Encode(position string, now time.Time) string {
	raw, _ := json.Marshal(cursor{V: cursorVersion, Position: position, IssuedAt: now.UTC()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode validates a cursor and returns its position. Malformed and expired
// cursors are both rejected as validation errors; an expired cursor carries
// its own code so clients know to restart from the first page.
func Decode(encoded string, maxAge time.Duration, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Validation(apperr.CodeValidation, "malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.V != cursorVersion {
		return "", apperr.Validation(apperr.CodeValidation, "malformed cursor")
	}
	if maxAge > 0 && now.Sub(c.IssuedAt) > maxAge {
		return "", apperr.Validation(apperr.CodeCursorExpired, "cursor has expired; restart from the first page")
	}
	return c.Position, nil
}

// Page is a generic cursor page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}
