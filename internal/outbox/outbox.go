// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package outbox implements the transactional outbox. Services enqueue bus
// publications inside the same document-store transaction as the domain
// change that produced them; the relay drains pending rows to the bus in
// creation order. A change is therefore never visible without its event
// eventually reaching the bus, and never produces an event without the
// change having committed.
package outbox

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
)

// NewMessage builds a pending outbox row. The payload is marshaled now so a
// serialization failure aborts the enclosing transaction instead of
// surfacing later in the relay.
func NewMessage(topic, messageType, partitionKey, correlationID string, payload any, now time.Time) (*models.OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal %s: %w", messageType, err)
	}
	return &models.OutboxMessage{
		ID:            ids.New(),
		MessageType:   messageType,
		Topic:         topic,
		PartitionKey:  partitionKey,
		Payload:       raw,
		CorrelationID: correlationID,
		CreatedAt:     now.UTC(),
		Status:        models.OutboxPending,
	}, nil
}

// Key returns the document key for an outbox message ID.
func Key(id string) string {
	return docstore.PrefixOutbox + id
}

// statusTerm builds the status index term. The sortable timestamp component
// makes an index scan over one status return rows in creation order.
func statusTerm(status models.OutboxStatus, createdAt time.Time, id string) string {
	return string(status) + "\x00" + docstore.SortableTime(createdAt) + "\x00" + id
}

// Enqueue writes the message and its status index entry. Call inside the
// transaction that performs the related domain change.
func Enqueue(tx docstore.Tx, msg *models.OutboxMessage) error {
	key := Key(msg.ID)
	if err := docstore.PutJSON(tx, key, msg, 0); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", msg.ID, err)
	}
	return tx.AddIndex(docstore.IndexOutboxByStatus, statusTerm(msg.Status, msg.CreatedAt, msg.ID), key)
}

// transition rewrites the message under a new status and moves its index
// entry. Callers pass the version read in the same transaction.
func transition(tx docstore.Tx, msg *models.OutboxMessage, version uint64, to models.OutboxStatus) error {
	from := msg.Status
	msg.Status = to

	key := Key(msg.ID)
	if err := docstore.PutJSON(tx, key, msg, version); err != nil {
		return err
	}
	if err := tx.RemoveIndex(docstore.IndexOutboxByStatus, statusTerm(from, msg.CreatedAt, msg.ID), key); err != nil {
		return err
	}
	return tx.AddIndex(docstore.IndexOutboxByStatus, statusTerm(to, msg.CreatedAt, msg.ID), key)
}
