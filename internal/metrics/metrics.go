// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package metrics registers the Prometheus instruments shared by the API
// server and the background workers. All instruments use promauto against
// the default registry, so importing this package is enough to expose them
// on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novatune_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	HTTPRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_http_rate_limit_rejections_total",
			Help: "Total number of requests rejected by a rate limiter",
		},
		[]string{"limiter"},
	)

	// Event bus metrics.
	BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_bus_published_total",
			Help: "Total number of messages published to the event bus",
		},
		[]string{"topic"},
	)

	BusConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_bus_consumed_total",
			Help: "Total number of messages consumed, by outcome",
		},
		[]string{"topic", "outcome"}, // "ok", "retried", "dead_lettered"
	)

	BusHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novatune_bus_handler_duration_seconds",
			Help:    "Message handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Outbox metrics.
	OutboxPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "novatune_outbox_pending_depth",
			Help: "Number of outbox messages waiting to be published",
		},
	)

	OutboxPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novatune_outbox_published_total",
			Help: "Total number of outbox messages published to the bus",
		},
	)

	OutboxPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novatune_outbox_publish_failures_total",
			Help: "Total number of outbox publish attempts that failed",
		},
	)

	// Upload and ingest pipeline metrics.
	UploadSessionsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novatune_upload_sessions_initiated_total",
			Help: "Total number of upload sessions initiated",
		},
	)

	UploadSessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novatune_upload_sessions_expired_total",
			Help: "Total number of upload sessions expired by the sweeper",
		},
	)

	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_ingests_total",
			Help: "Total number of upload ingests, by outcome",
		},
		[]string{"outcome"}, // "ok", "orphan", "mismatch", "duplicate"
	)

	ProcessingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_processing_total",
			Help: "Total number of audio processing runs, by outcome",
		},
		[]string{"outcome"}, // "ready", "failed", "skipped"
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "novatune_processing_duration_seconds",
			Help:    "End-to-end audio processing duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Streaming metrics.
	StreamURLsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_stream_urls_issued_total",
			Help: "Total number of stream URLs issued, by cache outcome",
		},
		[]string{"source"}, // "cache", "signed"
	)

	StreamCacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novatune_stream_cache_invalidations_total",
			Help: "Total number of stream URL cache invalidations",
		},
	)

	// Lifecycle metrics.
	LifecycleDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_lifecycle_deletions_total",
			Help: "Total number of permanent track deletions, by outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	LifecycleBacklogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "novatune_lifecycle_backlog_depth",
			Help: "Number of tracks past their scheduled deletion time",
		},
	)

	// Telemetry metrics.
	PlaybackEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_playback_events_total",
			Help: "Total number of playback telemetry events, by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "unknown_track"
	)

	// Auth metrics.
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_login_attempts_total",
			Help: "Total number of login attempts, by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "limited", "inactive"
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novatune_token_refreshes_total",
			Help: "Total number of refresh token exchanges, by outcome",
		},
		[]string{"outcome"}, // "ok", "reused", "expired", "revoked"
	)
)

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveHandler records one bus handler invocation.
func ObserveHandler(topic, outcome string, duration time.Duration) {
	BusConsumedTotal.WithLabelValues(topic, outcome).Inc()
	BusHandlerDuration.WithLabelValues(topic).Observe(duration.Seconds())
}
