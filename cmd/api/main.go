// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package main is the entry point for the NovaTune API server.
//
// The server initializes components in the following order:
//
//  1. Configuration: koanf v2 layered load (defaults, config file, environment)
//  2. Logging: zerolog with level/format from configuration
//  3. Document store: embedded Badger (or in-memory for development)
//  4. Object storage: S3-compatible presigning client
//  5. Cache: Redis with AES-256-GCM envelope encryption
//  6. Message bus: Kafka via watermill (or in-process channels in dev mode)
//  7. Domain services: auth, uploads, tracks, streaming, playlists, admin
//  8. Background loops: outbox relay, upload-session sweeper, stream-cache
//     invalidation consumer
//  9. HTTP server: chi router with the full REST surface
//
// # Development mode
//
// With NOVATUNE_FEATURES_MESSAGING_ENABLED=false the server swaps Kafka for an
// in-process bus and additionally runs the upload ingestor, audio processor,
// telemetry aggregator, and lifecycle worker inside this process. That is the
// only arrangement an in-process bus can support, and it makes a single binary
// a complete working system for local development.
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the listener stops accepting,
// in-flight requests get server.shutdown_timeout to finish, the background
// loops drain, then the store and bus close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/novatune/novatune/internal/admin"
	"github.com/novatune/novatune/internal/api"
	"github.com/novatune/novatune/internal/audioproc"
	"github.com/novatune/novatune/internal/audit"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/cache"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ingest"
	"github.com/novatune/novatune/internal/lifecycle"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/outbox"
	"github.com/novatune/novatune/internal/playlist"
	"github.com/novatune/novatune/internal/streaming"
	"github.com/novatune/novatune/internal/telemetryagg"
	"github.com/novatune/novatune/internal/track"
	"github.com/novatune/novatune/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("docstore_path", cfg.DocStore.Path).
		Bool("docstore_in_memory", cfg.DocStore.InMemory).
		Bool("messaging_enabled", cfg.Features.MessagingEnabled).
		Bool("storage_enabled", cfg.Features.StorageEnabled).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openDocStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open document store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing document store")
		}
	}()
	logging.Info().Msg("Document store ready")

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize object storage")
	}

	keyring, err := cache.NewKeyring(cfg.Cache.EncryptionKeys, cfg.Cache.ActiveKeyVersion)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build cache keyring")
	}
	streamCache := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Timeout:  cfg.Cache.Timeout,
	}, keyring)
	defer func() {
		if err := streamCache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cache")
		}
	}()
	logging.Info().Str("addr", cfg.Cache.Addr).Msg("Cache connected")

	tr, err := newTransport(cfg, "novatune-api")
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize message bus")
	}
	defer tr.Close()

	hasher := auth.NewPasswordHasher(cfg.Argon2)
	tokens, err := auth.NewTokenManager(cfg.JWT)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token manager")
	}

	deletionsTopic := cfg.Bus.Topic(config.TopicTrackDeletions)
	authSvc := auth.NewService(store, hasher, tokens, cfg.Auth, cfg.JWT)
	uploads := upload.NewService(store, objects, cfg.Upload)
	tracks := track.NewService(store, cfg.Tracks, deletionsTopic)
	streams := streaming.NewIssuer(store, objects, streamCache, cfg.Streaming)
	playlists := playlist.NewService(store, cfg.Playlists)
	auditLog := audit.NewLog(store, cfg.Admin.AuditRetention)
	adminSvc := admin.NewService(store, auditLog, streams, cfg.Admin, cfg.Tracks, deletionsTopic)

	server := api.NewServer(api.Options{
		Auth:      authSvc,
		Tokens:    tokens,
		Uploads:   uploads,
		Tracks:    tracks,
		Streams:   streams,
		Playlists: playlists,
		Admin:     adminSvc,
		Publisher: tr.publisher,

		ServerConfig:    cfg.Server,
		AuthConfig:      cfg.Auth,
		StreamingConfig: cfg.Streaming,
		TelemetryTopic:  cfg.Bus.Topic(config.TopicTelemetry),

		HealthChecks: []api.HealthCheck{
			{Name: "docstore", Probe: func(ctx context.Context) error {
				return store.View(ctx, func(docstore.ReadTx) error { return nil })
			}},
			{Name: "cache", Probe: streamCache.Ping},
		},
	})

	relay := outbox.NewRelay(store, tr.publisher, outbox.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	})
	sweeper := upload.NewSweeper(store, objects, cfg.Upload.SweepInterval)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return ignoreCanceled(relay.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(sweeper.Run(groupCtx)) })

	// Stream-cache invalidation reacts to TrackDeleted events from any
	// producer (owner deletes, admin moderation).
	invalidation, err := tr.consumer(bus.ConsumerConfig{
		Topic:       deletionsTopic,
		GroupID:     cfg.Bus.ConsumerGroup + "-streams",
		WorkerCount: 1,
		Retry:       bus.RetryPolicy{MaxAttempts: cfg.Bus.MaxAttempts, BaseDelay: cfg.Bus.BaseDelay},
		DLQTopic:    cfg.Bus.Topic(config.TopicDLQ),
	}, streams.HandleTrackDeleted)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stream invalidation consumer")
	}
	group.Go(func() error { return ignoreCanceled(invalidation.Run(groupCtx)) })

	if !cfg.Features.MessagingEnabled {
		if err := startEmbeddedWorkers(groupCtx, group, cfg, store, objects, tr); err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded workers")
		}
		logging.Info().Msg("Embedded pipeline workers started (dev mode)")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	group.Go(func() error {
		logging.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logging.Info().Msg("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		return
	}
	logging.Info().Msg("Server stopped")
}

// startEmbeddedWorkers runs the full event pipeline inside the API process.
// Only used with the in-process bus, where separate worker binaries could not
// see the published messages.
func startEmbeddedWorkers(ctx context.Context, group *errgroup.Group, cfg *config.Config,
	store docstore.Store, objects objectstore.Store, tr *transport) error {

	retry := bus.RetryPolicy{MaxAttempts: cfg.Bus.MaxAttempts, BaseDelay: cfg.Bus.BaseDelay}
	dlqTopic := cfg.Bus.Topic(config.TopicDLQ)

	ingestor := ingest.NewIngestor(store, objects, cfg.Upload, cfg.Bus.Topic(config.TopicAudioEvents))
	ingestConsumer, err := tr.consumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicObjectEvents),
		GroupID:     cfg.Bus.ConsumerGroup + "-ingest",
		WorkerCount: 1,
		Retry:       retry,
		DLQTopic:    dlqTopic,
	}, ingestor.HandleObjectCreated)
	if err != nil {
		return err
	}
	group.Go(func() error { return ignoreCanceled(ingestConsumer.Run(ctx)) })

	processor := audioproc.NewProcessor(store, objects, cfg.Processor)
	processConsumer, err := tr.consumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicAudioEvents),
		GroupID:     cfg.Bus.ConsumerGroup + "-processor",
		WorkerCount: cfg.Processor.WorkerCount,
		Retry:       retry,
		DLQTopic:    dlqTopic,
	}, processor.HandleAudioUploaded)
	if err != nil {
		return err
	}
	group.Go(func() error { return ignoreCanceled(processConsumer.Run(ctx)) })

	aggregator := telemetryagg.NewAggregator(store, cfg.Telemetry)
	telemetryConsumer, err := tr.consumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicTelemetry),
		GroupID:     cfg.Bus.ConsumerGroup + "-telemetry",
		WorkerCount: cfg.Telemetry.WorkerCount,
		Retry:       bus.RetryPolicy{MaxAttempts: cfg.Telemetry.MaxRetryAttempts, BaseDelay: cfg.Bus.BaseDelay},
		DLQTopic:    dlqTopic,
	}, aggregator.HandlePlaybackEvent)
	if err != nil {
		return err
	}
	group.Go(func() error { return ignoreCanceled(telemetryConsumer.Run(ctx)) })

	worker := lifecycle.NewWorker(store, objects, cfg.Lifecycle)
	group.Go(func() error { return ignoreCanceled(worker.Run(ctx)) })
	return nil
}

func openDocStore(cfg *config.Config) (docstore.Store, error) {
	if cfg.DocStore.InMemory {
		return docstore.NewMemoryStore(), nil
	}
	return docstore.OpenBadger(docstore.BadgerOptions{Path: cfg.DocStore.Path})
}

func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	if !cfg.Features.StorageEnabled {
		logging.Warn().Msg("Object storage disabled; using in-memory store (uploads are not durable)")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:     cfg.Storage.Endpoint,
		Region:       cfg.Storage.Region,
		Bucket:       cfg.Storage.Bucket,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
