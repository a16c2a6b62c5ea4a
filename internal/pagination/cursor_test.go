// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/apperr"
)

func TestCursorRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	encoded := Encode("01ABCDEF0000000000000000", now)

	position, err := Decode(encoded, time.Hour, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "01ABCDEF0000000000000000", position)
}

func TestCursorExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	encoded := Encode("pos", now)

	_, err := Decode(encoded, time.Hour, now.Add(61*time.Minute))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeCursorExpired))

	// Exactly at the boundary still works.
	_, err = Decode(encoded, time.Hour, now.Add(time.Hour))
	assert.NoError(t, err)
}

func TestCursorMalformed(t *testing.T) {
	for _, bad := range []string{"", "!!!", "bm90LWpzb24", Encode("pos", time.Now())[5:]} {
		_, err := Decode(bad, time.Hour, time.Now())
		require.Error(t, err, "cursor %q", bad)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	}
}
