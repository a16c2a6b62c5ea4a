// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for tests. Presigned URLs are fake
// but unique and carry the expiry so issuance logic can be asserted.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	signSeq int
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// PutObject seeds an object directly (test setup).
func (s *MemoryStore) PutObject(key, contentType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
}

// Exists reports whether key is stored (test assertion).
func (s *MemoryStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

func (s *MemoryStore) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (*PresignedURL, error) {
	s.mu.Lock()
	s.signSeq++
	seq := s.signSeq
	s.mu.Unlock()
	return &PresignedURL{
		URL:       fmt.Sprintf("https://objects.test/put/%s?sig=%d&ct=%s", key, seq, contentType),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (s *MemoryStore) PresignGet(_ context.Context, key string, ttl time.Duration) (*PresignedURL, error) {
	s.mu.Lock()
	s.signSeq++
	seq := s.signSeq
	s.mu.Unlock()
	return &PresignedURL{
		URL:       fmt.Sprintf("https://objects.test/get/%s?sig=%d", key, seq),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (s *MemoryStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Key: key, SizeBytes: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
