// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// TrackHourlyAggregate rolls playback events into one-hour buckets per track.
// Stored under TrackHourlyAggregates/{trackId}/{yyyymmddHH}. All fields are
// commutative (counter additions), so update order between events does not
// matter.
type TrackHourlyAggregate struct {
	TrackID            string    `json:"trackId"`
	Bucket             time.Time `json:"bucket"`
	PlayStartCount     int64     `json:"playStartCount"`
	PlayCompleteCount  int64     `json:"playCompleteCount"`
	TotalSecondsPlayed float64   `json:"totalSecondsPlayed"`
	UniqueSessionCount int64     `json:"uniqueSessionCount"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// TrackDailyAggregate rolls playback events into one-day buckets per track.
// Stored under TrackDailyAggregates/{trackId}/{yyyymmdd}.
type TrackDailyAggregate struct {
	TrackID            string    `json:"trackId"`
	Bucket             time.Time `json:"bucket"`
	PlayStartCount     int64     `json:"playStartCount"`
	PlayCompleteCount  int64     `json:"playCompleteCount"`
	TotalSecondsPlayed float64   `json:"totalSecondsPlayed"`
	UniqueSessionCount int64     `json:"uniqueSessionCount"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// UserActivityAggregate rolls playback events into one-day buckets per user.
// Stored under UserActivityAggregates/{userId}/{yyyymmdd}. LastActivityAt is
// a max, which is also commutative.
type UserActivityAggregate struct {
	UserID             string    `json:"userId"`
	Day                time.Time `json:"day"`
	UniqueTracksPlayed int64     `json:"uniqueTracksPlayed"`
	TotalPlays         int64     `json:"totalPlays"`
	TotalSecondsPlayed float64   `json:"totalSecondsPlayed"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayBucket truncates t to the start of its UTC day.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// HourBucketKey formats an hour bucket as yyyymmddHH for document keys.
func HourBucketKey(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// DayBucketKey formats a day bucket as yyyymmdd for document keys.
func DayBucketKey(t time.Time) string {
	return t.UTC().Format("20060102")
}
