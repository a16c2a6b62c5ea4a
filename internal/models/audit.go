// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// AuditAction codes an admin mutation recorded in the audit log.
type AuditAction string

const (
	AuditUserStatusChanged AuditAction = "user.status_changed"
	AuditTrackModerated    AuditAction = "track.moderated"
	AuditTrackDeleted      AuditAction = "track.deleted"
)

// AuditLogEntry is one append-only row of the tamper-evident audit log.
// Stored under AuditLogs/{id}. Each entry embeds the content hash of its
// predecessor, so silent modification of any stored entry breaks the chain
// at the successor.
type AuditLogEntry struct {
	ID                string          `json:"id"`
	ActorUserID       string          `json:"actorUserId"`
	ActorEmail        string          `json:"actorEmail"`
	Action            AuditAction     `json:"action"`
	TargetType        string          `json:"targetType"`
	TargetID          string          `json:"targetId"`
	ReasonCode        string          `json:"reasonCode"`
	ReasonText        string          `json:"reasonText,omitempty"`
	PreviousState     json.RawMessage `json:"previousState,omitempty"`
	NewState          json.RawMessage `json:"newState,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	ClientIP          string          `json:"clientIp,omitempty"`
	UserAgent         string          `json:"userAgent,omitempty"`
	PreviousEntryHash string          `json:"previousEntryHash"`
	ContentHash       string          `json:"contentHash"`
}
