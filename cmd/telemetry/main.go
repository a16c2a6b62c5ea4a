// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package main is the entry point for the telemetry aggregation worker.
//
// The worker consumes playback events and folds them into hourly and daily
// per-track aggregates and per-user daily activity. Events partition by track
// ID, so a consumer group scales to the topic's partition count while keeping
// per-track updates ordered.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/telemetryagg"
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
		logging.Fatal().Msg("Telemetry worker requires messaging; run cmd/api for the embedded dev pipeline")
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

	kafkaCfg := bus.KafkaConfig{Brokers: cfg.Bus.Brokers, ClientID: "novatune-telemetry"}
	publisher, err := bus.NewKafkaPublisher(kafkaCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus publisher")
		}
	}()

	groupID := cfg.Bus.ConsumerGroup + "-telemetry"
	subscriber, err := bus.NewKafkaSubscriber(kafkaCfg, groupID)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus subscriber")
	}

	aggregator := telemetryagg.NewAggregator(store, cfg.Telemetry)
	consumer := bus.NewConsumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicTelemetry),
		GroupID:     groupID,
		WorkerCount: cfg.Telemetry.WorkerCount,
		Retry:       bus.RetryPolicy{MaxAttempts: cfg.Telemetry.MaxRetryAttempts, BaseDelay: cfg.Bus.BaseDelay},
		DLQTopic:    cfg.Bus.Topic(config.TopicDLQ),
	}, subscriber, publisher, aggregator.HandlePlaybackEvent)

	logging.Info().
		Str("group", groupID).
		Int("workers", cfg.Telemetry.WorkerCount).
		Msg("Telemetry worker running")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Telemetry worker exited with error")
		return
	}
	logging.Info().Msg("Telemetry worker stopped")
}
