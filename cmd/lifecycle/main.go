// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package main is the entry point for the lifecycle worker.
//
// The worker polls for tracks whose deletion grace period has elapsed,
// deletes their audio and waveform objects, removes them from playlists, and
// purges the track documents. It needs no message bus; scheduled deletions
// live in the document store's deadline index.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/lifecycle"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := docstore.OpenBadger(docstore.BadgerOptions{
		Path:     cfg.DocStore.Path,
		InMemory: cfg.DocStore.InMemory,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open document store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing document store")
		}
	}()

	objects, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:     cfg.Storage.Endpoint,
		Region:       cfg.Storage.Region,
		Bucket:       cfg.Storage.Bucket,
		AccessKey:    cfg.Storage.AccessKey,
		SecretKey:    cfg.Storage.SecretKey,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize object storage")
	}

	worker := lifecycle.NewWorker(store, objects, cfg.Lifecycle)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Lifecycle worker exited with error")
		return
	}
	logging.Info().Msg("Lifecycle worker stopped")
}
