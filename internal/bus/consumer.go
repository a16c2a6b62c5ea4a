// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
)

// Message is the unit handed to consumer handlers.
type Message struct {
	Topic    string
	Key      string
	Payload  []byte
	Metadata map[string]string
}

// HandlerFunc processes one message. A nil return acks the message. An error
// triggers in-place retry; after the retry budget is spent the message is
// dead-lettered and acked so the partition keeps moving.
type HandlerFunc func(ctx context.Context, msg *Message) error

// RetryPolicy bounds in-place retries before dead-lettering.
type RetryPolicy struct {
	// MaxAttempts is the total number of handler invocations, including the
	// first one.
	MaxAttempts int

	// BaseDelay is the first retry delay. Each subsequent retry doubles it,
	// capped at one minute.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the worker defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
}

// ConsumerConfig configures one consumer-group worker loop.
type ConsumerConfig struct {
	Topic       string
	GroupID     string
	WorkerCount int
	Retry       RetryPolicy

	// DLQTopic receives messages that exhaust the retry budget. Empty
	// disables dead-lettering; exhausted messages are then acked and only
	// logged, which loses them. Every production consumer sets this.
	DLQTopic string
}

// Consumer runs a handler against a subscribed topic with a bounded worker
// pool. The transport delivers at-least-once; handlers are idempotent.
type Consumer struct {
	cfg        ConsumerConfig
	subscriber message.Subscriber
	dlq        Publisher
	handler    HandlerFunc
}

// NewConsumer wires a handler to a subscriber. The dlq publisher may be the
// same publisher used for regular traffic.
func NewConsumer(cfg ConsumerConfig, subscriber message.Subscriber, dlq Publisher, handler HandlerFunc) *Consumer {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Consumer{cfg: cfg, subscriber: subscriber, dlq: dlq, handler: handler}
}

// Run consumes until ctx is canceled. Workers pull from a shared channel;
// the transport withholds a partition's next message until the previous one
// is acked, so per-partition ordering survives the pool.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.cfg.Topic)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", c.cfg.Topic, err)
	}

	logging.Info().
		Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).
		Int("workers", c.cfg.WorkerCount).
		Msg("consumer started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.WorkerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-messages:
					if !ok {
						return nil
					}
					c.process(ctx, msg)
				}
			}
		})
	}
	return g.Wait()
}

// process runs the handler with retries, dead-letters on exhaustion, and
// always acks. Nacking would redeliver forever and wedge the partition.
func (c *Consumer) process(ctx context.Context, wmMsg *message.Message) {
	msg := &Message{
		Topic:    c.cfg.Topic,
		Key:      wmMsg.Metadata.Get(MetadataPartitionKey),
		Payload:  wmMsg.Payload,
		Metadata: wmMsg.Metadata,
	}

	start := time.Now()
	attempts, stack, err := c.invokeWithRetry(ctx, msg)
	switch {
	case err == nil:
		outcome := "ok"
		if attempts > 1 {
			outcome = "retried"
		}
		metrics.ObserveHandler(c.cfg.Topic, outcome, time.Since(start))
	case ctx.Err() != nil:
		// Shutdown mid-message. Leave it unacked for redelivery.
		return
	default:
		metrics.ObserveHandler(c.cfg.Topic, "dead_lettered", time.Since(start))
		c.deadLetter(msg, err, stack, attempts)
	}

	wmMsg.Ack()
}

// invokeWithRetry returns the attempt count, the panic stack if the last
// failure was a panic, and the final error.
func (c *Consumer) invokeWithRetry(ctx context.Context, msg *Message) (int, string, error) {
	var lastErr error
	var lastStack string

	delay := c.cfg.Retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		lastErr, lastStack = c.invoke(ctx, msg)
		if lastErr == nil {
			return attempt, "", nil
		}
		if ctx.Err() != nil {
			return attempt, lastStack, lastErr
		}

		logging.Warn().
			Str("topic", c.cfg.Topic).
			Str("key", msg.Key).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("message handler failed")

		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, lastStack, lastErr
		case <-time.After(delay):
		}
		if delay *= 2; delay > time.Minute {
			delay = time.Minute
		}
	}
	return c.cfg.Retry.MaxAttempts, lastStack, lastErr
}

// invoke runs the handler once, converting panics into errors.
func (c *Consumer) invoke(ctx context.Context, msg *Message) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg), ""
}

// deadLetter forwards an exhausted message to the DLQ topic. Publishing uses
// a fresh context because the consumer context may already be closing.
func (c *Consumer) deadLetter(msg *Message, cause error, stack string, attempts int) {
	entry := models.DeadLetterMessage{
		OriginalTopic: c.cfg.Topic,
		OriginalKey:   msg.Key,
		PayloadJSON:   string(msg.Payload),
		ErrorMessage:  cause.Error(),
		StackTrace:    stack,
		RetryCount:    attempts,
		FailedAt:      time.Now().UTC(),
	}

	if c.cfg.DLQTopic == "" || c.dlq == nil {
		logging.Error().
			Str("topic", c.cfg.Topic).
			Str("key", msg.Key).
			Err(cause).
			Msg("message dropped: no DLQ configured")
		return
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		logging.Error().Err(err).Msg("marshal dead letter")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.dlq.Publish(ctx, c.cfg.DLQTopic, msg.Key, payload, map[string]string{
		MetadataMessageType: "DeadLetter",
	}); err != nil {
		logging.Error().
			Str("topic", c.cfg.Topic).
			Str("key", msg.Key).
			Err(err).
			Msg("dead letter publish failed; message lost")
		return
	}

	logging.Warn().
		Str("topic", c.cfg.Topic).
		Str("dlqTopic", c.cfg.DLQTopic).
		Str("key", msg.Key).
		Int("attempts", attempts).
		Msg("message dead-lettered")
}
