// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package cache provides the Redis-backed, AES-256-GCM-encrypted cache
// adapter. The cache is never authoritative: every read may miss and every
// write may fail, and callers must produce fresh results in that case.
// Failures surface as ErrMiss or wrapped errors that callers log and ignore
// (fail-open).
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/novatune/novatune/internal/logging"
)

// ErrMiss is returned when a key is absent, expired, or undecryptable.
var ErrMiss = errors.New("cache: miss")

// Cache is the encrypted TTL cache adapter.
type Cache interface {
	// Get decrypts and unmarshals the value at key into dest.
	Get(ctx context.Context, key string, dest any) error

	// Set marshals, encrypts, and stores value with the given TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes specific keys.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPattern removes all keys with the given prefix (prefix*).
	DeleteByPattern(ctx context.Context, prefix string) error

	// Ping checks connectivity for health reporting.
	Ping(ctx context.Context) error

	// Close releases the client.
	Close() error
}

// RedisCache implements Cache on go-redis with an encryption keyring.
type RedisCache struct {
	client  redis.UniversalClient
	keyring *Keyring
	timeout time.Duration
}

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisCache connects to Redis and wraps it with the keyring.
func NewRedisCache(cfg RedisConfig, keyring *Keyring) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisCache{client: client, keyring: keyring, timeout: timeout}
}

// NewRedisCacheWithClient wraps an existing client (tests use miniredis).
func NewRedisCacheWithClient(client redis.UniversalClient, keyring *Keyring, timeout time.Duration) *RedisCache {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisCache{client: client, keyring: keyring, timeout: timeout}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Corrupt or legacy record. Treat as a miss; the entry will be
		// overwritten on the next Set.
		logging.Ctx(ctx).Debug().Str("key", key).Msg("cache record unreadable")
		return ErrMiss
	}

	plaintext, err := c.keyring.Decrypt(&env)
	if err != nil {
		logging.Ctx(ctx).Debug().Str("key", key).Err(err).Msg("cache record undecryptable")
		return ErrMiss
	}

	if err := json.Unmarshal(plaintext, dest); err != nil {
		return fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}

	env, err := c.keyring.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("cache encrypt %s: %w", key, err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache marshal envelope %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeleteByPattern removes all keys matching prefix*. SCAN + DEL keeps Redis
// responsive on large keyspaces; from the caller's viewpoint removal is
// atomic because every matched key is gone when the call returns.
func (c *RedisCache) DeleteByPattern(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*c.timeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache delete pattern %s*: %w", prefix, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan %s*: %w", prefix, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache delete pattern %s*: %w", prefix, err)
		}
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
