// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package audit implements the tamper-evident admin audit log. Entries form
// a hash chain: each entry stores the content hash of its predecessor, and
// its own hash covers every field except the hash itself. Verification
// recomputes the chain; modifying any stored entry breaks it at the
// successor.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
)

// headKey stores the chain head (id and hash of the newest entry) outside
// the entry prefix so prefix scans see entries only.
const headKey = "AuditLogHead"

type head struct {
	LastEntryID   string `json:"lastEntryId"`
	LastEntryHash string `json:"lastEntryHash"`
}

// Key returns the document key for an audit entry ID.
func Key(id string) string {
	return docstore.PrefixAuditLogs + id
}

// Log appends to and verifies the audit chain.
type Log struct {
	store     docstore.Store
	retention time.Duration
	now       func() time.Time
}

// NewLog wires the audit log. retention of zero keeps entries forever.
func NewLog(store docstore.Store, retention time.Duration) *Log {
	return &Log{store: store, retention: retention, now: time.Now}
}

// SetClock overrides the time source for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Entry is the caller-supplied part of an audit record.
type Entry struct {
	ActorUserID   string
	ActorEmail    string
	Action        models.AuditAction
	TargetType    string
	TargetID      string
	ReasonCode    string
	ReasonText    string
	PreviousState any
	NewState      any
	CorrelationID string
	ClientIP      string
	UserAgent     string
}

// Append writes one entry inside the given transaction, chaining it to the
// current head. Call it from the same transaction as the admin mutation it
// records so the log and the mutation commit together.
func (l *Log) Append(tx docstore.Tx, in Entry) (*models.AuditLogEntry, error) {
	now := l.now().UTC()
	entry := &models.AuditLogEntry{
		ID:            ids.NewAt(now),
		ActorUserID:   in.ActorUserID,
		ActorEmail:    in.ActorEmail,
		Action:        in.Action,
		TargetType:    in.TargetType,
		TargetID:      in.TargetID,
		ReasonCode:    in.ReasonCode,
		ReasonText:    in.ReasonText,
		Timestamp:     now,
		CorrelationID: in.CorrelationID,
		ClientIP:      in.ClientIP,
		UserAgent:     in.UserAgent,
	}

	var err error
	if entry.PreviousState, err = marshalState(in.PreviousState); err != nil {
		return nil, err
	}
	if entry.NewState, err = marshalState(in.NewState); err != nil {
		return nil, err
	}

	current, headVersion, err := docstore.GetJSON[head](tx, headKey)
	if errors.Is(err, docstore.ErrNotFound) {
		current = &head{}
		headVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}

	entry.PreviousEntryHash = current.LastEntryHash
	entry.ContentHash, err = contentHash(entry)
	if err != nil {
		return nil, err
	}

	if l.retention > 0 {
		err = docstore.PutJSONWithTTL(tx, Key(entry.ID), entry, 0, l.retention)
	} else {
		err = docstore.PutJSON(tx, Key(entry.ID), entry, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: store entry: %w", err)
	}

	current.LastEntryID = entry.ID
	current.LastEntryHash = entry.ContentHash
	if err := docstore.PutJSON(tx, headKey, current, headVersion); err != nil {
		return nil, fmt.Errorf("audit: update head: %w", err)
	}
	return entry, nil
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	EntriesChecked int
	// BrokenEntryID names the first entry whose stored hashes do not match
	// the recomputed chain. Empty when the chain is intact.
	BrokenEntryID string
}

// Verify walks all entries in append order and recomputes the hash chain.
// The oldest surviving entry's previousEntryHash is accepted as-is, since
// its predecessor may have aged out of retention.
func (l *Log) Verify(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{}
	err := l.store.View(ctx, func(tx docstore.ReadTx) error {
		prevHash := ""
		first := true
		return tx.ScanPrefix(docstore.PrefixAuditLogs, func(key string, value []byte, _ uint64) (bool, error) {
			var entry models.AuditLogEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return false, fmt.Errorf("audit: unmarshal %s: %w", key, err)
			}

			if first {
				first = false
				prevHash = entry.PreviousEntryHash
			}
			expected, err := contentHash(&entry)
			if err != nil {
				return false, err
			}
			if entry.PreviousEntryHash != prevHash || entry.ContentHash != expected {
				result.BrokenEntryID = entry.ID
				return false, nil
			}

			result.EntriesChecked++
			prevHash = entry.ContentHash
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns entries newest-first, at most limit, older than the before
// ID when set.
func (l *Log) List(ctx context.Context, before string, limit int) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	err := l.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.ScanPrefix(docstore.PrefixAuditLogs, func(_ string, value []byte, _ uint64) (bool, error) {
			var entry models.AuditLogEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return false, err
			}
			if before != "" && entry.ID >= before {
				return false, nil
			}
			entries = append(entries, entry)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Entries scan oldest-first (ULID keys); present newest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// contentHash computes the SHA-256 of the entry's canonical JSON form with
// the contentHash field zeroed. Struct field order fixes the
// canonicalization.
func contentHash(entry *models.AuditLogEntry) (string, error) {
	canonical := *entry
	canonical.ContentHash = ""
	raw, err := json.Marshal(&canonical)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry %s: %w", entry.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func marshalState(state any) (json.RawMessage, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal state: %w", err)
	}
	return raw, nil
}
