// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package main

import (
	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/logging"
)

// transport abstracts over the two bus modes: Kafka for production and the
// in-process channel bus for development. Consumers need a fresh subscriber
// per consumer group, so the transport hands them out instead of exposing a
// single subscriber.
type transport struct {
	publisher *bus.WatermillPublisher
	memory    *bus.MemoryBus
	kafkaCfg  bus.KafkaConfig
}

func newTransport(cfg *config.Config, clientID string) (*transport, error) {
	if !cfg.Features.MessagingEnabled {
		mem := bus.NewMemoryBus()
		return &transport{publisher: mem.Publisher(), memory: mem}, nil
	}

	kafkaCfg := bus.KafkaConfig{
		Brokers:  cfg.Bus.Brokers,
		ClientID: clientID,
	}
	pub, err := bus.NewKafkaPublisher(kafkaCfg)
	if err != nil {
		return nil, err
	}
	return &transport{publisher: pub, kafkaCfg: kafkaCfg}, nil
}

// consumer builds a consumer-group worker loop over the active transport.
func (t *transport) consumer(cc bus.ConsumerConfig, handler bus.HandlerFunc) (*bus.Consumer, error) {
	if t.memory != nil {
		return bus.NewConsumer(cc, t.memory.Subscriber(), t.publisher, handler), nil
	}
	sub, err := bus.NewKafkaSubscriber(t.kafkaCfg, cc.GroupID)
	if err != nil {
		return nil, err
	}
	return bus.NewConsumer(cc, sub, t.publisher, handler), nil
}

func (t *transport) Close() {
	if t.memory != nil {
		if err := t.memory.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing in-process bus")
		}
		return
	}
	if err := t.publisher.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing bus publisher")
	}
}
