// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is intended for tests: writes
// inside an Update closure are staged and either commit atomically or are
// discarded when the closure errors.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]memoryDoc
	indexes map[string]struct{} // entries keyed index\x00term\x00docKey
	now     func() time.Time
}

type memoryDoc struct {
	value     []byte
	version   uint64
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]memoryDoc),
		indexes: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock. Tests use this to step time past
// aggregate retention windows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// View runs a read-only transaction.
func (s *MemoryStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{store: s, readOnly: true})
}

// Update runs a read-write transaction with staged writes.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:         s,
		stagedDocs:    make(map[string]*memoryDoc),
		stagedIndexes: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	readOnly bool

	// stagedDocs maps key -> pending doc (nil = pending delete).
	stagedDocs map[string]*memoryDoc
	// stagedIndexes maps entry -> present (false = pending remove).
	stagedIndexes map[string]bool
}

func (t *memoryTx) commit() {
	for key, doc := range t.stagedDocs {
		if doc == nil {
			delete(t.store.docs, key)
		} else {
			t.store.docs[key] = *doc
		}
	}
	for entry, present := range t.stagedIndexes {
		if present {
			t.store.indexes[entry] = struct{}{}
		} else {
			delete(t.store.indexes, entry)
		}
	}
}

func (t *memoryTx) lookup(key string) (*memoryDoc, bool) {
	if t.stagedDocs != nil {
		if doc, staged := t.stagedDocs[key]; staged {
			return doc, doc != nil
		}
	}
	doc, ok := t.store.docs[key]
	if !ok {
		return nil, false
	}
	if !doc.expiresAt.IsZero() && !t.store.now().Before(doc.expiresAt) {
		return nil, false
	}
	return &doc, true
}

func (t *memoryTx) Get(key string) ([]byte, uint64, error) {
	doc, ok := t.lookup(key)
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), doc.value...), doc.version, nil
}

func (t *memoryTx) Put(key string, value []byte, expectedVersion uint64) error {
	return t.putEntry(key, value, expectedVersion, 0)
}

func (t *memoryTx) PutWithTTL(key string, value []byte, expectedVersion uint64, ttl time.Duration) error {
	return t.putEntry(key, value, expectedVersion, ttl)
}

func (t *memoryTx) putEntry(key string, value []byte, expectedVersion uint64, ttl time.Duration) error {
	if t.readOnly {
		return errors.New("docstore: put inside read-only transaction")
	}

	doc, exists := t.lookup(key)
	var version uint64
	switch {
	case !exists:
		if expectedVersion != 0 && expectedVersion != VersionAny {
			return fmt.Errorf("put %s: expected version %d, document missing: %w", key, expectedVersion, ErrConflict)
		}
	case expectedVersion == 0:
		return fmt.Errorf("put %s: document already exists: %w", key, ErrConflict)
	case expectedVersion != VersionAny && expectedVersion != doc.version:
		return fmt.Errorf("put %s: expected version %d, have %d: %w", key, expectedVersion, doc.version, ErrConflict)
	default:
		version = doc.version
	}

	next := memoryDoc{
		value:   append([]byte(nil), value...),
		version: version + 1,
	}
	if ttl > 0 {
		next.expiresAt = t.store.now().Add(ttl)
	}
	t.stagedDocs[key] = &next
	return nil
}

func (t *memoryTx) Delete(key string) error {
	if t.readOnly {
		return errors.New("docstore: delete inside read-only transaction")
	}
	t.stagedDocs[key] = nil
	return nil
}

func (t *memoryTx) ScanPrefix(prefix string, fn func(key string, value []byte, version uint64) (bool, error)) error {
	keys := t.visibleKeys(prefix)
	for _, key := range keys {
		doc, ok := t.lookup(key)
		if !ok {
			continue
		}
		cont, err := fn(key, append([]byte(nil), doc.value...), doc.version)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *memoryTx) visibleKeys(prefix string) []string {
	seen := make(map[string]struct{})
	for key := range t.store.docs {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
	for key, doc := range t.stagedDocs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if doc == nil {
			delete(seen, key)
		} else {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (t *memoryTx) AddIndex(index, term, docKey string) error {
	if t.readOnly {
		return errors.New("docstore: index write inside read-only transaction")
	}
	t.stagedIndexes[memIndexEntry(index, term, docKey)] = true
	return nil
}

func (t *memoryTx) RemoveIndex(index, term, docKey string) error {
	if t.readOnly {
		return errors.New("docstore: index write inside read-only transaction")
	}
	t.stagedIndexes[memIndexEntry(index, term, docKey)] = false
	return nil
}

func (t *memoryTx) IndexScan(index, termPrefix string, fn func(term, docKey string) (bool, error)) error {
	prefix := index + "\x00" + termPrefix

	entries := make(map[string]bool)
	for entry := range t.store.indexes {
		if strings.HasPrefix(entry, prefix) {
			entries[entry] = true
		}
	}
	for entry, present := range t.stagedIndexes {
		if strings.HasPrefix(entry, prefix) {
			entries[entry] = present
		}
	}

	sorted := make([]string, 0, len(entries))
	for entry, present := range entries {
		if present {
			sorted = append(sorted, entry)
		}
	}
	sort.Strings(sorted)

	for _, entry := range sorted {
		rest := entry[len(index)+1:]
		// Composite terms carry NULs of their own; only the doc key is
		// NUL-free, so the last separator is the authoritative one.
		sep := strings.LastIndexByte(rest, 0)
		if sep < 0 {
			continue
		}
		cont, err := fn(rest[:sep], rest[sep+1:])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func memIndexEntry(index, term, docKey string) string {
	return index + "\x00" + term + "\x00" + docKey
}
