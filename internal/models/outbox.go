// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// OutboxStatus is the publication state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxMessage is a pending bus publication persisted atomically with the
// domain change that produced it. Stored under OutboxMessages/{id}; the relay
// drains pending rows in createdAt order, which preserves per-key ordering on
// the bus.
type OutboxMessage struct {
	ID            string       `json:"id"`
	MessageType   string       `json:"messageType"`
	Topic         string       `json:"topic"`
	PartitionKey  string       `json:"partitionKey,omitempty"`
	Payload       []byte       `json:"payload"`
	CorrelationID string       `json:"correlationId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"lastError,omitempty"`
	PublishedAt   *time.Time   `json:"publishedAt,omitempty"`
}
