// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package models defines the persisted domain documents and the bus event
// schemas shared by the API and the four workers.
package models

import (
	"strings"
	"time"
)

// Role is a user role.
type Role string

const (
	RoleListener Role = "listener"
	RoleAdmin    Role = "admin"
)

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserStatusActive          UserStatus = "active"
	UserStatusDisabled        UserStatus = "disabled"
	UserStatusPendingDeletion UserStatus = "pending_deletion"
)

// User is an account document. Stored under Users/{id}.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	NormalizedEmail  string     `json:"normalizedEmail"`
	DisplayName      string     `json:"displayName"`
	PasswordHash     string     `json:"passwordHash"`
	Roles            []Role     `json:"roles"`
	Status           UserStatus `json:"status"`
	UsedStorageBytes int64      `json:"usedStorageBytes"`
	TrackCount       int        `json:"trackCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// SearchText is the text indexed for admin user search.
func (u *User) SearchText() string {
	return u.Email + " " + u.DisplayName
}

// NormalizeEmail canonicalizes an email for case-insensitive uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// IsActive reports whether the account may perform mutating operations.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// RefreshToken is a hashed refresh token document. The plaintext token is
// never persisted; lookups go through the SHA-256 hash.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TokenHash string    `json:"tokenHash"`
	DeviceID  string    `json:"deviceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// IsUsable reports whether the token can still be redeemed at the given time.
func (t *RefreshToken) IsUsable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
