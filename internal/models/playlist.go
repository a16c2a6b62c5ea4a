// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package models

import "time"

// PlaylistVisibility controls who can see a playlist.
type PlaylistVisibility string

const (
	VisibilityPrivate  PlaylistVisibility = "private"
	VisibilityUnlisted PlaylistVisibility = "unlisted"
	VisibilityPublic   PlaylistVisibility = "public"
)

// PlaylistEntry is one ordered slot in a playlist. Duplicate track IDs are
// allowed; positions at rest form the dense sequence [0, n).
type PlaylistEntry struct {
	Position int       `json:"position"`
	TrackID  string    `json:"trackId"`
	AddedAt  time.Time `json:"addedAt"`
}

// Playlist is a playlist document. Stored under Playlists/{id}.
// TrackCount and TotalDurationSeconds are denormalized from the entries and
// the referenced tracks, maintained on every mutation.
type Playlist struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"userId"`
	Name                 string             `json:"name"`
	Description          string             `json:"description,omitempty"`
	Entries              []PlaylistEntry    `json:"entries"`
	TrackCount           int                `json:"trackCount"`
	TotalDurationSeconds float64            `json:"totalDurationSeconds"`
	Visibility           PlaylistVisibility `json:"visibility"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// Renumber rewrites entry positions to the dense sequence [0, n) preserving
// order, and refreshes the denormalized track count.
func (p *Playlist) Renumber() {
	for i := range p.Entries {
		p.Entries[i].Position = i
	}
	p.TrackCount = len(p.Entries)
}

// ContainsTrack reports whether any entry references the given track.
func (p *Playlist) ContainsTrack(trackID string) bool {
	for i := range p.Entries {
		if p.Entries[i].TrackID == trackID {
			return true
		}
	}
	return false
}
