// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
)

func newLog(t *testing.T) (*Log, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	return NewLog(store, 0), store
}

func (l *Log) append(t *testing.T, store docstore.Store, in Entry) *models.AuditLogEntry {
	t.Helper()
	var entry *models.AuditLogEntry
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		var err error
		entry, err = l.Append(tx, in)
		return err
	}))
	return entry
}

func adminAction(i byte) Entry {
	return Entry{
		ActorUserID: "admin-1",
		ActorEmail:  "admin@example.com",
		Action:      models.AuditUserStatusChanged,
		TargetType:  "user",
		TargetID:    string([]byte{'u', '-', '0' + i}),
		ReasonCode:  "terms_violation",
	}
}

func TestAppendChainsEntries(t *testing.T) {
	log, store := newLog(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	log.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first := log.append(t, store, adminAction(1))
	second := log.append(t, store, adminAction(2))
	third := log.append(t, store, adminAction(3))

	assert.Empty(t, first.PreviousEntryHash, "genesis entry has no predecessor")
	assert.Equal(t, first.ContentHash, second.PreviousEntryHash)
	assert.Equal(t, second.ContentHash, third.PreviousEntryHash)
	assert.NotEmpty(t, third.ContentHash)

	result, err := log.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.BrokenEntryID)
	assert.Equal(t, 3, result.EntriesChecked)
}

func TestVerifyDetectsTampering(t *testing.T) {
	log, store := newLog(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	log.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	log.append(t, store, adminAction(1))
	victim := log.append(t, store, adminAction(2))
	log.append(t, store, adminAction(3))

	// Rewrite the middle entry's reason in place, keeping the stored hash.
	require.NoError(t, store.Update(context.Background(), func(tx docstore.Tx) error {
		entry, version, err := docstore.GetJSON[models.AuditLogEntry](tx, Key(victim.ID))
		if err != nil {
			return err
		}
		entry.ReasonCode = "totally_legitimate"
		return docstore.PutJSON(tx, Key(victim.ID), entry, version)
	}))

	result, err := log.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, victim.ID, result.BrokenEntryID, "verification names the tampered entry")
}

func TestAppendCapturesStates(t *testing.T) {
	log, store := newLog(t)

	entry := log.append(t, store, Entry{
		ActorUserID:   "admin-1",
		Action:        models.AuditTrackModerated,
		TargetType:    "track",
		TargetID:      "track-1",
		ReasonCode:    "copyright_claim",
		PreviousState: map[string]string{"moderationStatus": "none"},
		NewState:      map[string]string{"moderationStatus": "removed"},
	})

	var prev map[string]string
	require.NoError(t, json.Unmarshal(entry.PreviousState, &prev))
	assert.Equal(t, "none", prev["moderationStatus"])
	var next map[string]string
	require.NoError(t, json.Unmarshal(entry.NewState, &next))
	assert.Equal(t, "removed", next["moderationStatus"])
}

func TestListNewestFirst(t *testing.T) {
	log, store := newLog(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	log.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	var all []*models.AuditLogEntry
	for i := byte(1); i <= 5; i++ {
		all = append(all, log.append(t, store, adminAction(i)))
	}

	page, err := log.List(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[4].ID, page[0].ID)
	assert.Equal(t, all[3].ID, page[1].ID)

	older, err := log.List(context.Background(), page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, all[2].ID, older[0].ID)
	assert.Equal(t, all[0].ID, older[2].ID)
}
