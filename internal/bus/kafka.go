// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package bus

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/novatune/novatune/internal/logging"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string

	// ClientID identifies this process to the broker.
	ClientID string

	// BreakerFailureThreshold opens the publish circuit breaker after this
	// many consecutive failures. 0 disables the breaker.
	BreakerFailureThreshold uint32

	// BreakerOpenDuration is how long the breaker stays open before probing.
	BreakerOpenDuration time.Duration
}

// partitioningMarshaler routes each message by its partition key metadata so
// events for the same entity stay on the same partition.
func partitioningMarshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		key := msg.Metadata.Get(MetadataPartitionKey)
		if key == "" {
			return "", fmt.Errorf("bus: message %s has no partition key", msg.UUID)
		}
		return key, nil
	})
}

// NewKafkaPublisher creates a partition-keyed Kafka publisher. Idempotent
// production and full-ISR acks are on so broker failover cannot duplicate or
// drop acknowledged messages.
func NewKafkaPublisher(cfg KafkaConfig) (*WatermillPublisher, error) {
	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1

	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             partitioningMarshaler(),
		OverwriteSaramaConfig: saramaCfg,
	}, NewLoggerAdapter())
	if err != nil {
		return nil, fmt.Errorf("bus: create kafka publisher: %w", err)
	}

	wp := NewWatermillPublisher(pub)
	if cfg.BreakerFailureThreshold > 0 {
		openFor := cfg.BreakerOpenDuration
		if openFor <= 0 {
			openFor = 30 * time.Second
		}
		wp.SetCircuitBreaker(gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "kafka-publish",
			Timeout: openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("publish circuit breaker state change")
			},
		}))
	}
	return wp, nil
}

// NewKafkaSubscriber creates a consumer-group subscriber. Offsets start at
// the oldest message so a fresh group replays history instead of skipping it.
func NewKafkaSubscriber(cfg KafkaConfig, groupID string) (message.Subscriber, error) {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               cfg.Brokers,
		Unmarshaler:           partitioningMarshaler(),
		ConsumerGroup:         groupID,
		OverwriteSaramaConfig: saramaCfg,
	}, NewLoggerAdapter())
	if err != nil {
		return nil, fmt.Errorf("bus: create kafka subscriber for group %s: %w", groupID, err)
	}
	return sub, nil
}
