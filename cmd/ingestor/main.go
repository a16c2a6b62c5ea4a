// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package main is the entry point for the upload ingestor worker.
//
// The ingestor consumes object-created notifications from the storage layer,
// matches each object to its upload session, verifies size and checksum, and
// commits the track record. Committing enqueues an AudioUploaded outbox row,
// so the worker also runs an outbox relay to publish those rows to the bus.
//
// The worker requires Kafka; there is no in-process mode here. For local
// development run cmd/api with messaging disabled, which hosts the ingestor
// in-process instead.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ingest"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/outbox"
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

	if !cfg.Features.MessagingEnabled {
		logging.Fatal().Msg("Ingestor requires messaging; run cmd/api for the embedded dev pipeline")
	}

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
	logging.Info().Str("bucket", cfg.Storage.Bucket).Msg("Object storage ready")

	kafkaCfg := bus.KafkaConfig{Brokers: cfg.Bus.Brokers, ClientID: "novatune-ingestor"}
	publisher, err := bus.NewKafkaPublisher(kafkaCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus publisher")
		}
	}()

	groupID := cfg.Bus.ConsumerGroup + "-ingest"
	subscriber, err := bus.NewKafkaSubscriber(kafkaCfg, groupID)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus subscriber")
	}

	ingestor := ingest.NewIngestor(store, objects, cfg.Upload, cfg.Bus.Topic(config.TopicAudioEvents))
	consumer := bus.NewConsumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicObjectEvents),
		GroupID:     groupID,
		WorkerCount: 1,
		Retry:       bus.RetryPolicy{MaxAttempts: cfg.Bus.MaxAttempts, BaseDelay: cfg.Bus.BaseDelay},
		DLQTopic:    cfg.Bus.Topic(config.TopicDLQ),
	}, subscriber, publisher, ingestor.HandleObjectCreated)

	relay := outbox.NewRelay(store, publisher, outbox.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(consumer.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(relay.Run(groupCtx)) })

	logging.Info().Str("group", groupID).Msg("Ingestor running")
	if err := group.Wait(); err != nil {
		logging.Error().Err(err).Msg("Ingestor exited with error")
		return
	}
	logging.Info().Msg("Ingestor stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
