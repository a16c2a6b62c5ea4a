// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package docstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/novatune/novatune/internal/logging"
)

// Internal key namespaces. Documents and index entries share one Badger
// keyspace, separated by prefix.
const (
	nsDoc   = "d:"
	nsIndex = "i:"
)

// versionHeaderLen is the length of the big-endian version prefix stored in
// front of every document value.
const versionHeaderLen = 8

// badgerConflictRetries bounds retries when Badger's SSI detects an internal
// transaction conflict. Application-level version conflicts are never retried
// here; they surface as ErrConflict.
const badgerConflictRetries = 3

// BadgerStore implements Store on Badger v4.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures the Badger-backed store.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory runs Badger without disk persistence (tests, dev).
	InMemory bool

	// GCInterval controls value-log garbage collection. Zero disables it.
	GCInterval time.Duration
}

// OpenBadger opens the document store at the configured path.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", opts.Path, err)
	}

	s := &BadgerStore{db: db}

	if opts.GCInterval > 0 {
		go s.runGC(opts.GCInterval)
	}

	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if s.db.IsClosed() {
			return
		}
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			logging.Debug().Err(err).Msg("badger value log GC")
		}
	}
}

// View runs a consistent read-only transaction.
func (s *BadgerStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// Update runs a read-write transaction. Internal Badger conflicts are
// retried a bounded number of times; application version conflicts are not.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= badgerConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("docstore: transaction retries exhausted: %w", err)
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Get(key string) ([]byte, uint64, error) {
	item, err := t.txn.Get([]byte(nsDoc + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("docstore get %s: %w", key, err)
	}

	var value []byte
	if err := item.Value(func(v []byte) error {
		value = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("docstore read %s: %w", key, err)
	}

	return decodeValue(key, value)
}

func (t *badgerTx) Put(key string, value []byte, expectedVersion uint64) error {
	return t.putEntry(key, value, expectedVersion, 0)
}

func (t *badgerTx) PutWithTTL(key string, value []byte, expectedVersion uint64, ttl time.Duration) error {
	return t.putEntry(key, value, expectedVersion, ttl)
}

func (t *badgerTx) putEntry(key string, value []byte, expectedVersion uint64, ttl time.Duration) error {
	current, version, err := t.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		if expectedVersion != 0 && expectedVersion != VersionAny {
			return fmt.Errorf("put %s: expected version %d, document missing: %w", key, expectedVersion, ErrConflict)
		}
		version = 0
	case err != nil:
		return err
	default:
		if expectedVersion == 0 {
			return fmt.Errorf("put %s: document already exists: %w", key, ErrConflict)
		}
		if expectedVersion != VersionAny && expectedVersion != version {
			return fmt.Errorf("put %s: expected version %d, have %d: %w", key, expectedVersion, version, ErrConflict)
		}
	}
	_ = current

	entry := badger.NewEntry([]byte(nsDoc+key), encodeValue(version+1, value))
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := t.txn.SetEntry(entry); err != nil {
		return fmt.Errorf("docstore put %s: %w", key, err)
	}
	return nil
}

func (t *badgerTx) Delete(key string) error {
	if err := t.txn.Delete([]byte(nsDoc + key)); err != nil {
		return fmt.Errorf("docstore delete %s: %w", key, err)
	}
	return nil
}

func (t *badgerTx) ScanPrefix(prefix string, fn func(key string, value []byte, version uint64) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(nsDoc + prefix)

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.Key()[len(nsDoc):])

		var raw []byte
		if err := item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		}); err != nil {
			return fmt.Errorf("docstore scan %s: %w", key, err)
		}

		value, version, err := decodeValue(key, raw)
		if err != nil {
			return err
		}

		cont, err := fn(key, value, version)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *badgerTx) AddIndex(index, term, docKey string) error {
	if err := t.txn.Set(indexKey(index, term, docKey), nil); err != nil {
		return fmt.Errorf("docstore index %s add: %w", index, err)
	}
	return nil
}

func (t *badgerTx) RemoveIndex(index, term, docKey string) error {
	if err := t.txn.Delete(indexKey(index, term, docKey)); err != nil {
		return fmt.Errorf("docstore index %s remove: %w", index, err)
	}
	return nil
}

func (t *badgerTx) IndexScan(index, termPrefix string, fn func(term, docKey string) (bool, error)) error {
	prefix := []byte(nsIndex + index + "\x00" + termPrefix)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := t.txn.NewIterator(opts)
	defer it.Close()

	scanPrefix := []byte(nsIndex + index + "\x00")
	for it.Rewind(); it.Valid(); it.Next() {
		rest := it.Item().Key()[len(scanPrefix):]
		// Composite terms carry NULs of their own; only the doc key is
		// NUL-free, so the last separator is the authoritative one.
		sep := bytes.LastIndexByte(rest, 0)
		if sep < 0 {
			continue
		}
		cont, err := fn(string(rest[:sep]), string(rest[sep+1:]))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// indexKey lays out index entries as i:{index}\x00{term}\x00{docKey} so that
// a prefix scan over {index}\x00{termPrefix} walks terms in order. Terms may
// embed NULs as segment separators; doc keys never contain NUL, so the last
// NUL always marks the term/key boundary.
func indexKey(index, term, docKey string) []byte {
	buf := make([]byte, 0, len(nsIndex)+len(index)+len(term)+len(docKey)+2)
	buf = append(buf, nsIndex...)
	buf = append(buf, index...)
	buf = append(buf, 0)
	buf = append(buf, term...)
	buf = append(buf, 0)
	buf = append(buf, docKey...)
	return buf
}

func encodeValue(version uint64, value []byte) []byte {
	buf := make([]byte, versionHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, version)
	copy(buf[versionHeaderLen:], value)
	return buf
}

func decodeValue(key string, raw []byte) ([]byte, uint64, error) {
	if len(raw) < versionHeaderLen {
		return nil, 0, fmt.Errorf("docstore: corrupt value for %s", key)
	}
	return raw[versionHeaderLen:], binary.BigEndian.Uint64(raw[:versionHeaderLen]), nil
}
