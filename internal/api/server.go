// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatune/novatune/internal/admin"
	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/middleware"
	"github.com/novatune/novatune/internal/playlist"
	"github.com/novatune/novatune/internal/streaming"
	"github.com/novatune/novatune/internal/track"
	"github.com/novatune/novatune/internal/upload"
)

// HealthCheck probes one dependency. A non-nil error marks the service
// not ready.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Publisher is the slice of the bus publisher the API needs for telemetry
// ingestion.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key, messageType, schemaVersion string, event any) error
}

// Server bundles the domain services behind the HTTP router.
type Server struct {
	auth      *auth.Service
	tokens    *auth.TokenManager
	uploads   *upload.Service
	tracks    *track.Service
	streams   *streaming.Issuer
	playlists *playlist.Service
	admin     *admin.Service
	publisher Publisher

	serverCfg      config.ServerConfig
	authCfg        config.AuthConfig
	streamingCfg   config.StreamingConfig
	telemetryTopic string

	checks []HealthCheck
	now    func() time.Time
}

// Options carries the Server dependencies.
type Options struct {
	Auth      *auth.Service
	Tokens    *auth.TokenManager
	Uploads   *upload.Service
	Tracks    *track.Service
	Streams   *streaming.Issuer
	Playlists *playlist.Service
	Admin     *admin.Service
	Publisher Publisher

	ServerConfig    config.ServerConfig
	AuthConfig      config.AuthConfig
	StreamingConfig config.StreamingConfig
	TelemetryTopic  string

	HealthChecks []HealthCheck
}

// NewServer wires the HTTP layer.
func NewServer(opts Options) *Server {
	return &Server{
		auth:           opts.Auth,
		tokens:         opts.Tokens,
		uploads:        opts.Uploads,
		tracks:         opts.Tracks,
		streams:        opts.Streams,
		playlists:      opts.Playlists,
		admin:          opts.Admin,
		publisher:      opts.Publisher,
		serverCfg:      opts.ServerConfig,
		authCfg:        opts.AuthConfig,
		streamingCfg:   opts.StreamingConfig,
		telemetryTopic: opts.TelemetryTopic,
		checks:         opts.HealthChecks,
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// rateLimited translates httprate rejections into problem+json. The window
// length doubles as the Retry-After hint.
func rateLimited(limiter string, window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRateLimitRejections.WithLabelValues(limiter).Inc()
		writeProblem(w, r, apperr.RateLimited(int(window.Seconds())))
	}
}

// Router builds the chi router with the full middleware stack and every
// route the service exposes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Metrics)
	r.Use(recoverer)
	r.Use(middleware.Compression)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.serverCfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Public surface.
	r.Get("/health", s.handleHealth)
	r.Get("/alive", s.handleAlive)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.With(httprate.Limit(
			s.authCfg.LoginIPLimit,
			s.authCfg.LoginIPWindow,
			httprate.WithKeyFuncs(httprate.KeyByRealIP),
			httprate.WithLimitHandler(rateLimited("login_ip", s.authCfg.LoginIPWindow)),
		)).Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/logout", s.handleLogout)
			r.Post("/logout-all", s.handleLogoutAll)
		})
	})

	// Authenticated listener surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/tracks", func(r chi.Router) {
			r.Post("/upload/initiate", s.handleUploadInitiate)
			r.Get("/upload/{id}", s.handleUploadGet)

			r.Get("/", s.handleTrackList)
			r.Get("/{id}", s.handleTrackGet)
			r.Patch("/{id}", s.handleTrackUpdate)
			r.Delete("/{id}", s.handleTrackDelete)
			r.Post("/{id}/restore", s.handleTrackRestore)
			r.With(httprate.Limit(
				s.streamingCfg.RateLimit,
				s.streamingCfg.RateLimitWindow,
				httprate.WithKeyFuncs(keyByPrincipal),
				httprate.WithLimitHandler(rateLimited("stream", s.streamingCfg.RateLimitWindow)),
			)).Post("/{id}/stream", s.handleTrackStream)
		})

		r.Route("/playlists", func(r chi.Router) {
			r.Post("/", s.handlePlaylistCreate)
			r.Get("/", s.handlePlaylistList)
			r.Get("/{id}", s.handlePlaylistGet)
			r.Patch("/{id}", s.handlePlaylistUpdate)
			r.Delete("/{id}", s.handlePlaylistDelete)
			r.Post("/{id}/tracks", s.handlePlaylistAddTracks)
			r.Delete("/{id}/tracks/{pos}", s.handlePlaylistRemoveAt)
			r.Post("/{id}/reorder", s.handlePlaylistReorder)
		})

		r.Post("/telemetry/playback", s.handleTelemetryIngest)
	})

	// Admin surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.requireAdmin)

		r.Get("/users", s.handleAdminListUsers)
		r.Get("/users/{id}", s.handleAdminGetUser)
		r.Patch("/users/{id}", s.handleAdminSetUserStatus)

		r.Get("/tracks", s.handleAdminListTracks)
		r.Get("/tracks/{id}", s.handleAdminGetTrack)
		r.Post("/tracks/{id}/moderate", s.handleAdminModerateTrack)
		r.Delete("/tracks/{id}", s.handleAdminDeleteTrack)

		r.Get("/analytics/overview", s.handleAdminAnalyticsOverview)
		r.Get("/analytics/tracks/top", s.handleAdminTopTracks)
		r.Get("/analytics/users/active", s.handleAdminActiveUsers)

		r.Get("/audit", s.handleAdminListAudit)
		r.Post("/audit/verify", s.handleAdminVerifyAudit)
	})

	return r
}

// keyByPrincipal keys a rate limiter on the authenticated user, falling
// back to the remote address before authentication.
func keyByPrincipal(r *http.Request) (string, error) {
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID, nil
	}
	return httprate.KeyByRealIP(r)
}
