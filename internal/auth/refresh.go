// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
)

// Refresh tokens are opaque 256-bit random strings. Only the SHA-256 hash is
// persisted; a store dump cannot be replayed as live sessions.

func tokenKey(id string) string {
	return docstore.PrefixRefreshTokens + id
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func userTokenTerm(userID string, createdAt time.Time, id string) string {
	return userID + "\x00" + docstore.SortableTime(createdAt) + "\x00" + id
}

// issueRefreshToken creates a refresh token document and enforces the
// per-user session cap by revoking the oldest active sessions first.
func issueRefreshToken(tx docstore.Tx, userID, deviceID string, now time.Time, ttl time.Duration, maxSessions int) (string, *models.RefreshToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: refresh token entropy: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	token := &models.RefreshToken{
		ID:        ids.NewAt(now),
		UserID:    userID,
		TokenHash: hashToken(plaintext),
		DeviceID:  deviceID,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(ttl),
	}

	if maxSessions > 0 {
		if err := evictOldestSessions(tx, userID, now, maxSessions-1); err != nil {
			return "", nil, err
		}
	}

	if err := docstore.PutJSON(tx, tokenKey(token.ID), token, 0); err != nil {
		return "", nil, fmt.Errorf("auth: store refresh token: %w", err)
	}
	if err := tx.AddIndex(docstore.IndexTokensByHash, token.TokenHash, tokenKey(token.ID)); err != nil {
		return "", nil, err
	}
	if err := tx.AddIndex(docstore.IndexTokensByUser, userTokenTerm(userID, token.CreatedAt, token.ID), tokenKey(token.ID)); err != nil {
		return "", nil, err
	}
	return plaintext, token, nil
}

// evictOldestSessions deletes the user's oldest usable tokens until at most
// keep remain. Index terms sort by creation time, so the scan order is FIFO.
func evictOldestSessions(tx docstore.Tx, userID string, now time.Time, keep int) error {
	type entry struct {
		term  string
		key   string
		token *models.RefreshToken
	}
	var usable []entry

	err := tx.IndexScan(docstore.IndexTokensByUser, userID+"\x00", func(term, docKey string) (bool, error) {
		token, _, err := docstore.GetJSON[models.RefreshToken](tx, docKey)
		if errors.Is(err, docstore.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if token.IsUsable(now) {
			usable = append(usable, entry{term: term, key: docKey, token: token})
		} else {
			// Expired or revoked tokens are garbage; collect them on the way.
			if err := removeToken(tx, term, docKey, token); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	excess := len(usable) - keep
	for i := 0; i < excess; i++ {
		if err := removeToken(tx, usable[i].term, usable[i].key, usable[i].token); err != nil {
			return err
		}
	}
	return nil
}

func removeToken(tx docstore.Tx, term, docKey string, token *models.RefreshToken) error {
	if err := tx.Delete(docKey); err != nil {
		return err
	}
	if err := tx.RemoveIndex(docstore.IndexTokensByHash, token.TokenHash, docKey); err != nil {
		return err
	}
	return tx.RemoveIndex(docstore.IndexTokensByUser, term, docKey)
}

// findTokenByHash resolves a presented refresh token to its document.
func findTokenByHash(tx docstore.ReadTx, plaintext string) (*models.RefreshToken, uint64, error) {
	hash := hashToken(plaintext)
	var docKey string
	err := tx.IndexScan(docstore.IndexTokensByHash, hash, func(term, key string) (bool, error) {
		if term == hash {
			docKey = key
		}
		return false, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if docKey == "" {
		return nil, 0, docstore.ErrNotFound
	}
	return docstore.GetJSON[models.RefreshToken](tx, docKey)
}

// revokeAllUserTokens marks every token for the user revoked. Used on
// logout-all and on refresh token reuse.
func revokeAllUserTokens(tx docstore.Tx, userID string) (int, error) {
	revoked := 0
	err := tx.IndexScan(docstore.IndexTokensByUser, userID+"\x00", func(_, docKey string) (bool, error) {
		token, version, err := docstore.GetJSON[models.RefreshToken](tx, docKey)
		if errors.Is(err, docstore.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if token.Revoked {
			return true, nil
		}
		token.Revoked = true
		if err := docstore.PutJSON(tx, docKey, token, version); err != nil {
			return false, err
		}
		revoked++
		return true, nil
	})
	return revoked, err
}
