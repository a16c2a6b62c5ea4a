// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/models"
)

func startConsumer(t *testing.T, ctx context.Context, c *Consumer) {
	t.Helper()
	go func() {
		_ = c.Run(ctx)
	}()
	// Give the subscription a moment to register on the channel transport.
	time.Sleep(50 * time.Millisecond)
}

func TestConsumerDeliversMessage(t *testing.T) {
	mem := NewMemoryBus()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Message, 1)
	consumer := NewConsumer(ConsumerConfig{
		Topic:       "audio-events",
		GroupID:     "test",
		WorkerCount: 2,
		Retry:       RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, mem.Subscriber(), nil, func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	startConsumer(t, ctx, consumer)

	pub := mem.Publisher()
	require.NoError(t, pub.Publish(ctx, "audio-events", "user-1", []byte(`{"hello":true}`), map[string]string{
		MetadataMessageType: "AudioUploaded",
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "user-1", msg.Key)
		assert.Equal(t, "audio-events", msg.Topic)
		assert.Equal(t, "AudioUploaded", msg.Metadata[MetadataMessageType])
		assert.JSONEq(t, `{"hello":true}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConsumerRetriesTransientFailure(t *testing.T) {
	mem := NewMemoryBus()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	consumer := NewConsumer(ConsumerConfig{
		Topic:       "audio-events",
		GroupID:     "test",
		WorkerCount: 1,
		Retry:       RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	}, mem.Subscriber(), nil, func(_ context.Context, _ *Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	startConsumer(t, ctx, consumer)

	require.NoError(t, mem.Publisher().Publish(ctx, "audio-events", "k", []byte("{}"), nil))

	select {
	case <-done:
		assert.Equal(t, int32(3), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
}

func TestConsumerDeadLettersAfterExhaustion(t *testing.T) {
	mem := NewMemoryBus()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dlqMessages, err := mem.Subscriber().Subscribe(ctx, "dlq")
	require.NoError(t, err)

	consumer := NewConsumer(ConsumerConfig{
		Topic:       "audio-events",
		GroupID:     "test",
		WorkerCount: 1,
		Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		DLQTopic:    "dlq",
	}, mem.Subscriber(), mem.Publisher(), func(_ context.Context, _ *Message) error {
		return errors.New("permanent failure")
	})
	startConsumer(t, ctx, consumer)

	require.NoError(t, mem.Publisher().Publish(ctx, "audio-events", "track-9", []byte(`{"trackId":"track-9"}`), nil))

	select {
	case wmMsg := <-dlqMessages:
		var entry models.DeadLetterMessage
		require.NoError(t, json.Unmarshal(wmMsg.Payload, &entry))
		assert.Equal(t, "audio-events", entry.OriginalTopic)
		assert.Equal(t, "track-9", entry.OriginalKey)
		assert.JSONEq(t, `{"trackId":"track-9"}`, entry.PayloadJSON)
		assert.Contains(t, entry.ErrorMessage, "permanent failure")
		assert.Equal(t, 3, entry.RetryCount)
		assert.False(t, entry.FailedAt.IsZero())
		wmMsg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter not published")
	}
}

func TestConsumerRecoversFromPanic(t *testing.T) {
	mem := NewMemoryBus()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dlqMessages, err := mem.Subscriber().Subscribe(ctx, "dlq")
	require.NoError(t, err)

	consumer := NewConsumer(ConsumerConfig{
		Topic:       "audio-events",
		GroupID:     "test",
		WorkerCount: 1,
		Retry:       RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		DLQTopic:    "dlq",
	}, mem.Subscriber(), mem.Publisher(), func(_ context.Context, _ *Message) error {
		panic("boom")
	})
	startConsumer(t, ctx, consumer)

	require.NoError(t, mem.Publisher().Publish(ctx, "audio-events", "k", []byte("{}"), nil))

	select {
	case wmMsg := <-dlqMessages:
		var entry models.DeadLetterMessage
		require.NoError(t, json.Unmarshal(wmMsg.Payload, &entry))
		assert.Contains(t, entry.ErrorMessage, "panic")
		assert.NotEmpty(t, entry.StackTrace)
		wmMsg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("dead letter not published")
	}
}

func TestPublishJSONSetsMetadata(t *testing.T) {
	mem := NewMemoryBus()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := mem.Subscriber().Subscribe(ctx, "track-deletions")
	require.NoError(t, err)

	event := models.TrackDeletedEvent{
		SchemaVersion: models.SchemaVersion,
		TrackID:       "t-1",
		UserID:        "u-1",
	}
	require.NoError(t, mem.Publisher().PublishJSON(ctx, "track-deletions", "t-1", models.MessageTypeTrackDeleted, models.SchemaVersion, event))

	select {
	case wmMsg := <-messages:
		assert.Equal(t, models.MessageTypeTrackDeleted, wmMsg.Metadata.Get(MetadataMessageType))
		assert.Equal(t, models.SchemaVersion, wmMsg.Metadata.Get(MetadataSchemaVersion))
		assert.Equal(t, "t-1", wmMsg.Metadata.Get(MetadataPartitionKey))
		wmMsg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
