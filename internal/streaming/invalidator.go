// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package streaming

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/models"
)

// HandleTrackDeleted consumes TrackDeleted events and drops the cached stream
// URL for the track. Physical cleanup happens later in the lifecycle worker;
// this handler only makes sure no client keeps streaming from a stale URL for
// longer than the remaining presign TTL.
func (i *Issuer) HandleTrackDeleted(ctx context.Context, msg *bus.Message) error {
	var event models.TrackDeletedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("streaming: decode track-deleted event: %w", err)
	}
	if event.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, event.CorrelationID)
	}

	if err := i.InvalidateTrack(ctx, event.UserID, event.TrackID); err != nil {
		return fmt.Errorf("streaming: invalidate track %s: %w", event.TrackID, err)
	}

	logging.Ctx(ctx).Debug().
		Str("track_id", event.TrackID).
		Str("user_id", event.UserID).
		Msg("stream URL cache invalidated")
	return nil
}
