// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package ratelimit provides the per-account sliding window limiter used on
// the login endpoint. Per-IP limiting is handled separately by httprate
// middleware; this limiter keys on the normalized account identifier so that
// a distributed credential-stuffing attack against one account is throttled
// even when it arrives from many addresses.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// slidingCounter divides a window into buckets and sums them. Incrementing is
// O(1) and counting is O(buckets), so a counter costs a fixed few hundred
// bytes regardless of traffic.
type slidingCounter struct {
	buckets    []int64
	bucketSize time.Duration
	current    int
	lastUpdate time.Time
}

func newSlidingCounter(window time.Duration, numBuckets int, now time.Time) *slidingCounter {
	return &slidingCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: window / time.Duration(numBuckets),
		lastUpdate: now,
	}
}

// advance rotates expired buckets out of the window. Callers hold the store
// lock.
func (c *slidingCounter) advance(now time.Time) {
	elapsed := int(now.Sub(c.lastUpdate) / c.bucketSize)
	if elapsed <= 0 {
		return
	}
	if elapsed >= len(c.buckets) {
		for i := range c.buckets {
			c.buckets[i] = 0
		}
		c.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			c.current = (c.current + 1) % len(c.buckets)
			c.buckets[c.current] = 0
		}
	}
	c.lastUpdate = now
}

func (c *slidingCounter) increment(now time.Time) {
	c.advance(now)
	c.buckets[c.current]++
}

func (c *slidingCounter) count(now time.Time) int64 {
	c.advance(now)
	var total int64
	for _, n := range c.buckets {
		total += n
	}
	return total
}

// AccountLimiter tracks login attempts per account key within a sliding
// window. Attempts count whether or not the credentials were valid, so a
// caller records the attempt before verifying the password.
type AccountLimiter struct {
	mu       sync.Mutex
	counters map[string]*slidingCounter

	limit      int64
	window     time.Duration
	numBuckets int
	maxKeys    int

	now func() time.Time
}

// NewAccountLimiter creates a limiter allowing limit attempts per window for
// each key. At most maxKeys accounts are tracked; when full, the least
// recently updated counter is evicted.
func NewAccountLimiter(limit int, window time.Duration, maxKeys int) *AccountLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	return &AccountLimiter{
		counters:   make(map[string]*slidingCounter),
		limit:      int64(limit),
		window:     window,
		numBuckets: 12,
		maxKeys:    maxKeys,
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (l *AccountLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records an attempt for key and reports whether it is within the
// limit. A rejected attempt is still recorded, so hammering a locked account
// keeps it locked.
func (l *AccountLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	counter, ok := l.counters[key]
	if !ok {
		if len(l.counters) >= l.maxKeys {
			l.evictOldest()
		}
		counter = newSlidingCounter(l.window, l.numBuckets, now)
		l.counters[key] = counter
	}

	counter.increment(now)
	return counter.count(now) <= l.limit
}

// RetryAfterSeconds returns the advisory retry delay for rejected attempts.
// One bucket's worth of time frees the oldest slice of the window.
func (l *AccountLimiter) RetryAfterSeconds() int {
	secs := int(math.Ceil(l.window.Seconds() / float64(l.numBuckets)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Len reports how many accounts are currently tracked.
func (l *AccountLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// evictOldest drops the counter with the stalest update. Callers hold the
// lock. Linear scan is acceptable because eviction only happens at the key
// cap, which normal traffic never reaches.
func (l *AccountLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, counter := range l.counters {
		if first || counter.lastUpdate.Before(oldest) {
			oldestKey = key
			oldest = counter.lastUpdate
			first = false
		}
	}
	if oldestKey != "" {
		delete(l.counters, oldestKey)
	}
}
