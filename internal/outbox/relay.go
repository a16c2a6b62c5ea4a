// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
)

// RelayConfig configures the outbox relay.
type RelayConfig struct {
	// PollInterval is how often the relay checks for pending rows.
	PollInterval time.Duration

	// BatchSize bounds how many rows one drain pass publishes.
	BatchSize int

	// MaxAttempts marks a row failed after this many publish attempts. A
	// failed row needs operator attention; the relay stops retrying it.
	MaxAttempts int

	// PublishedRetention is how long published rows are kept before purge.
	PublishedRetention time.Duration
}

// DefaultRelayConfig returns the worker defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:       time.Second,
		BatchSize:          100,
		MaxAttempts:        10,
		PublishedRetention: 24 * time.Hour,
	}
}

// Relay drains pending outbox rows to the bus in creation order. A publish
// failure stops the pass so later rows cannot overtake earlier ones; the
// next tick retries from the failed row.
type Relay struct {
	store     docstore.Store
	publisher bus.Publisher
	cfg       RelayConfig
	now       func() time.Time
}

// NewRelay creates an outbox relay.
func NewRelay(store docstore.Store, publisher bus.Publisher, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{store: store, publisher: publisher, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(10 * r.cfg.PollInterval)
	defer purgeTicker.Stop()

	logging.Info().
		Dur("pollInterval", r.cfg.PollInterval).
		Int("batchSize", r.cfg.BatchSize).
		Msg("outbox relay started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("outbox drain failed")
			}
		case <-purgeTicker.C:
			if err := r.purgePublished(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("outbox purge failed")
			}
		}
	}
}

// DrainOnce publishes one batch of pending rows. It returns how many rows
// were published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	keys, pendingDepth, err := r.pendingKeys(ctx)
	if err != nil {
		return 0, err
	}
	metrics.OutboxPendingDepth.Set(float64(pendingDepth))

	published := 0
	for _, key := range keys {
		ok, err := r.relayOne(ctx, key)
		if err != nil {
			return published, err
		}
		if !ok {
			// Publish failed; stop the pass to preserve ordering.
			break
		}
		published++
	}
	if published > 0 {
		metrics.OutboxPendingDepth.Sub(float64(published))
	}
	return published, nil
}

// pendingKeys returns up to BatchSize pending document keys in creation
// order, plus the total pending depth for the gauge.
func (r *Relay) pendingKeys(ctx context.Context) ([]string, int, error) {
	var keys []string
	depth := 0
	err := r.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexOutboxByStatus, string(models.OutboxPending)+"\x00", func(_, docKey string) (bool, error) {
			depth++
			if len(keys) < r.cfg.BatchSize {
				keys = append(keys, docKey)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("outbox: scan pending: %w", err)
	}
	return keys, depth, nil
}

// relayOne publishes a single row and records the outcome. It returns false
// without error when the publish failed and the row was marked for retry.
func (r *Relay) relayOne(ctx context.Context, key string) (bool, error) {
	var msg *models.OutboxMessage
	err := r.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		msg, _, err = docstore.GetJSON[models.OutboxMessage](tx, key)
		return err
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return true, nil // purged or completed elsewhere
	}
	if err != nil {
		return false, fmt.Errorf("outbox: load %s: %w", key, err)
	}
	if msg.Status != models.OutboxPending {
		return true, nil
	}

	metadata := map[string]string{
		bus.MetadataMessageType:   msg.MessageType,
		bus.MetadataSchemaVersion: models.SchemaVersion,
	}
	if msg.CorrelationID != "" {
		metadata["correlationId"] = msg.CorrelationID
	}

	publishErr := r.publisher.Publish(ctx, msg.Topic, msg.PartitionKey, msg.Payload, metadata)

	updateErr := r.store.Update(ctx, func(tx docstore.Tx) error {
		current, currentVersion, err := docstore.GetJSON[models.OutboxMessage](tx, key)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status != models.OutboxPending {
			return nil
		}

		current.Attempts++
		if publishErr == nil {
			now := r.now().UTC()
			current.PublishedAt = &now
			current.LastError = ""
			return transition(tx, current, currentVersion, models.OutboxPublished)
		}

		current.LastError = publishErr.Error()
		if current.Attempts >= r.cfg.MaxAttempts {
			logging.Error().
				Str("outboxId", current.ID).
				Str("topic", current.Topic).
				Int("attempts", current.Attempts).
				Err(publishErr).
				Msg("outbox row abandoned after max attempts")
			return transition(tx, current, currentVersion, models.OutboxFailed)
		}
		return docstore.PutJSON(tx, key, current, currentVersion)
	})
	if updateErr != nil {
		return false, fmt.Errorf("outbox: record outcome for %s: %w", key, updateErr)
	}

	if publishErr != nil {
		metrics.OutboxPublishFailures.Inc()
		logging.Warn().Str("key", key).Err(publishErr).Msg("outbox publish failed")
		return false, nil
	}
	metrics.OutboxPublishedTotal.Inc()
	return true, nil
}

// purgePublished deletes published rows past the retention window.
func (r *Relay) purgePublished(ctx context.Context) error {
	if r.cfg.PublishedRetention <= 0 {
		return nil
	}
	cutoff := string(models.OutboxPublished) + "\x00" + docstore.SortableTime(r.now().Add(-r.cfg.PublishedRetention))

	var expired []struct{ term, key string }
	err := r.store.View(ctx, func(tx docstore.ReadTx) error {
		return tx.IndexScan(docstore.IndexOutboxByStatus, string(models.OutboxPublished)+"\x00", func(term, docKey string) (bool, error) {
			if term >= cutoff {
				return false, nil
			}
			expired = append(expired, struct{ term, key string }{term, docKey})
			return true, nil
		})
	})
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	err = r.store.Update(ctx, func(tx docstore.Tx) error {
		for _, e := range expired {
			if err := tx.Delete(e.key); err != nil {
				return err
			}
			if err := tx.RemoveIndex(docstore.IndexOutboxByStatus, e.term, e.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Debug().Int("purged", len(expired)).Msg("outbox purge complete")
	return nil
}
