// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package docstore

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// GetJSON loads and unmarshals a document.
func GetJSON[T any](tx ReadTx, key string) (*T, uint64, error) {
	raw, version, err := tx.Get(key)
	if err != nil {
		return nil, 0, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, 0, fmt.Errorf("docstore: unmarshal %s: %w", key, err)
	}
	return &value, version, nil
}

// PutJSON marshals and writes a document with an optimistic version check.
func PutJSON[T any](tx Tx, key string, value *T, expectedVersion uint64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("docstore: marshal %s: %w", key, err)
	}
	return tx.Put(key, raw, expectedVersion)
}

// PutJSONWithTTL marshals and writes a document with a storage-level expiry.
func PutJSONWithTTL[T any](tx Tx, key string, value *T, expectedVersion uint64, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("docstore: marshal %s: %w", key, err)
	}
	return tx.PutWithTTL(key, raw, expectedVersion, ttl)
}
