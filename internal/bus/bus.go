// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package bus adapts the Kafka-compatible event bus behind Watermill. It
// provides a partition-keyed publisher with circuit breaker protection and a
// consumer-group worker loop with bounded retry and dead-letter routing.
//
// Per-key ordering relies on the partition key: all events for one track (or
// one user, for telemetry) carry the same key and therefore land on the same
// partition, which consumers process sequentially.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
)

// Message metadata keys carried on the wire.
const (
	MetadataPartitionKey  = "partitionKey"
	MetadataMessageType   = "messageType"
	MetadataSchemaVersion = "schemaVersion"
)

// Publisher sends keyed messages to a topic.
type Publisher interface {
	// Publish sends payload to topic under the given partition key.
	// Metadata may be nil.
	Publish(ctx context.Context, topic, key string, payload []byte, metadata map[string]string) error

	// Close releases the underlying transport.
	Close() error
}

// WatermillPublisher implements Publisher on any Watermill publisher with
// optional circuit breaker protection.
type WatermillPublisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewWatermillPublisher wraps a Watermill publisher.
func NewWatermillPublisher(pub message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: pub}
}

// SetCircuitBreaker guards publish calls. While the breaker is open, Publish
// fails fast instead of stacking timeouts on a dead broker.
func (p *WatermillPublisher) SetCircuitBreaker(cb *gobreaker.CircuitBreaker[any]) {
	p.breaker = cb
}

// Publish sends one message. The partition key rides in metadata so the
// Kafka marshaler can route it.
func (p *WatermillPublisher) Publish(ctx context.Context, topic, key string, payload []byte, metadata map[string]string) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("bus: publisher closed")
	}
	p.mu.RUnlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataPartitionKey, key)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(topic, msg)
		})
	} else {
		err = p.publisher.Publish(topic, msg)
	}
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}

	metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	return nil
}

// PublishJSON marshals an event and publishes it with type metadata.
func (p *WatermillPublisher) PublishJSON(ctx context.Context, topic, key, messageType, schemaVersion string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", messageType, err)
	}
	return p.Publish(ctx, topic, key, payload, map[string]string{
		MetadataMessageType:   messageType,
		MetadataSchemaVersion: schemaVersion,
	})
}

// Close shuts down the underlying publisher. Safe to call more than once.
func (p *WatermillPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}

// NewLoggerAdapter bridges Watermill's logging onto the application logger.
func NewLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

type loggerAdapter struct {
	fields watermill.LogFields
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	ev := logging.Error().Err(err)
	addFields(ev, l.fields, fields)
	ev.Msg(msg)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	ev := logging.Debug() // watermill "info" is chatty; keep it at debug
	addFields(ev, l.fields, fields)
	ev.Msg(msg)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	ev := logging.Debug()
	addFields(ev, l.fields, fields)
	ev.Msg(msg)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	ev := logging.Debug()
	addFields(ev, l.fields, fields)
	ev.Msg(msg)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &loggerAdapter{fields: merged}
}

func addFields(ev *zerolog.Event, sets ...watermill.LogFields) {
	for _, fields := range sets {
		for k, v := range fields {
			ev.Interface(k, v)
		}
	}
}
