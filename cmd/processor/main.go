// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package main is the entry point for the audio processor worker.
//
// The processor consumes AudioUploaded events, downloads the uploaded object
// to a scoped temp file, extracts duration and codec metadata with ffprobe,
// renders a waveform preview with ffmpeg, and finalizes the track as ready or
// failed. Messages that exhaust the retry budget go to the dead-letter topic.
//
// ffprobe and ffmpeg must be on PATH or configured via processor.ffprobe_path
// and processor.ffmpeg_path.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/novatune/novatune/internal/audioproc"
	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
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

	if !cfg.Features.MessagingEnabled {
		logging.Fatal().Msg("Processor requires messaging; run cmd/api for the embedded dev pipeline")
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

	kafkaCfg := bus.KafkaConfig{Brokers: cfg.Bus.Brokers, ClientID: "novatune-processor"}
	publisher, err := bus.NewKafkaPublisher(kafkaCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus publisher")
		}
	}()

	groupID := cfg.Bus.ConsumerGroup + "-processor"
	subscriber, err := bus.NewKafkaSubscriber(kafkaCfg, groupID)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus subscriber")
	}

	processor := audioproc.NewProcessor(store, objects, cfg.Processor)
	consumer := bus.NewConsumer(bus.ConsumerConfig{
		Topic:       cfg.Bus.Topic(config.TopicAudioEvents),
		GroupID:     groupID,
		WorkerCount: cfg.Processor.WorkerCount,
		Retry:       bus.RetryPolicy{MaxAttempts: cfg.Bus.MaxAttempts, BaseDelay: cfg.Bus.BaseDelay},
		DLQTopic:    cfg.Bus.Topic(config.TopicDLQ),
	}, subscriber, publisher, processor.HandleAudioUploaded)

	logging.Info().
		Str("group", groupID).
		Int("workers", cfg.Processor.WorkerCount).
		Str("ffprobe", cfg.Processor.FfprobePath).
		Str("ffmpeg", cfg.Processor.FfmpegPath).
		Msg("Processor running")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Processor exited with error")
		return
	}
	logging.Info().Msg("Processor stopped")
}
