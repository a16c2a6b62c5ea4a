// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package admin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/models"
)

// Overview summarizes platform activity over a trailing window.
type Overview struct {
	WindowDays         int     `json:"windowDays"`
	TotalPlays         int64   `json:"totalPlays"`
	TotalCompletes     int64   `json:"totalCompletes"`
	TotalSecondsPlayed float64 `json:"totalSecondsPlayed"`
	ActiveUsers        int     `json:"activeUsers"`
	TotalUsers         int     `json:"totalUsers"`
	TotalTracks        int     `json:"totalTracks"`
}

// TrackStats is one row of the top-tracks ranking.
type TrackStats struct {
	TrackID            string  `json:"trackId"`
	Title              string  `json:"title"`
	OwnerUserID        string  `json:"ownerUserId"`
	PlayStartCount     int64   `json:"playStartCount"`
	PlayCompleteCount  int64   `json:"playCompleteCount"`
	TotalSecondsPlayed float64 `json:"totalSecondsPlayed"`
}

// UserStats is one row of the active-users ranking.
type UserStats struct {
	UserID             string    `json:"userId"`
	DisplayName        string    `json:"displayName"`
	TotalPlays         int64     `json:"totalPlays"`
	UniqueTracksPlayed int64     `json:"uniqueTracksPlayed"`
	TotalSecondsPlayed float64   `json:"totalSecondsPlayed"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
}

// windowStart returns the oldest day-bucket key included in a trailing
// window ending today.
func (s *Service) windowStart(days int) string {
	if days <= 0 || days > s.cfg.AnalyticsOverviewDays {
		days = s.cfg.AnalyticsOverviewDays
	}
	start := models.DayBucket(s.now()).AddDate(0, 0, -(days - 1))
	return models.DayBucketKey(start)
}

// isMarkerKey reports whether an activity-prefix key is a per-track seen
// marker rather than a daily aggregate document.
func isMarkerKey(key string) bool {
	return strings.Contains(key, "/t/")
}

// AnalyticsOverview aggregates platform-wide activity over a trailing
// window of days, capped at the configured maximum.
func (s *Service) AnalyticsOverview(ctx context.Context, days int) (*Overview, error) {
	if days <= 0 || days > s.cfg.AnalyticsOverviewDays {
		days = s.cfg.AnalyticsOverviewDays
	}
	startKey := s.windowStart(days)
	overview := &Overview{WindowDays: days}

	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		err := tx.ScanPrefix(docstore.PrefixTrackDaily, func(key string, value []byte, _ uint64) (bool, error) {
			if dayFromKey(key, docstore.PrefixTrackDaily) < startKey {
				return true, nil
			}
			var agg models.TrackDailyAggregate
			if err := unmarshalDoc(value, &agg); err != nil {
				return false, err
			}
			overview.TotalPlays += agg.PlayStartCount
			overview.TotalCompletes += agg.PlayCompleteCount
			overview.TotalSecondsPlayed += agg.TotalSecondsPlayed
			return true, nil
		})
		if err != nil {
			return err
		}

		activeUsers := make(map[string]struct{})
		err = tx.ScanPrefix(docstore.PrefixUserActivity, func(key string, value []byte, _ uint64) (bool, error) {
			if isMarkerKey(key) {
				return true, nil
			}
			if dayFromKey(key, docstore.PrefixUserActivity) < startKey {
				return true, nil
			}
			var agg models.UserActivityAggregate
			if err := unmarshalDoc(value, &agg); err != nil {
				return false, err
			}
			activeUsers[agg.UserID] = struct{}{}
			return true, nil
		})
		if err != nil {
			return err
		}
		overview.ActiveUsers = len(activeUsers)

		err = tx.ScanPrefix(docstore.PrefixUsers, func(_ string, _ []byte, _ uint64) (bool, error) {
			overview.TotalUsers++
			return true, nil
		})
		if err != nil {
			return err
		}
		return tx.ScanPrefix(docstore.PrefixTracks, func(_ string, _ []byte, _ uint64) (bool, error) {
			overview.TotalTracks++
			return true, nil
		})
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return overview, nil
}

// TopTracks ranks tracks by play starts over a trailing window of days.
func (s *Service) TopTracks(ctx context.Context, days, limit int) ([]TrackStats, error) {
	if limit <= 0 || limit > s.cfg.MaxTrackPageSize {
		limit = s.cfg.MaxTrackPageSize
	}
	startKey := s.windowStart(days)

	byTrack := make(map[string]*TrackStats)
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		err := tx.ScanPrefix(docstore.PrefixTrackDaily, func(key string, value []byte, _ uint64) (bool, error) {
			if dayFromKey(key, docstore.PrefixTrackDaily) < startKey {
				return true, nil
			}
			var agg models.TrackDailyAggregate
			if err := unmarshalDoc(value, &agg); err != nil {
				return false, err
			}
			stats, ok := byTrack[agg.TrackID]
			if !ok {
				stats = &TrackStats{TrackID: agg.TrackID}
				byTrack[agg.TrackID] = stats
			}
			stats.PlayStartCount += agg.PlayStartCount
			stats.PlayCompleteCount += agg.PlayCompleteCount
			stats.TotalSecondsPlayed += agg.TotalSecondsPlayed
			return true, nil
		})
		if err != nil {
			return err
		}

		// Resolve titles for the surviving tracks; deleted ones keep an
		// empty title rather than dropping out of the ranking.
		for id, stats := range byTrack {
			tr, _, err := docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+id)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			stats.Title = tr.Title
			stats.OwnerUserID = tr.UserID
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	ranked := make([]TrackStats, 0, len(byTrack))
	for _, stats := range byTrack {
		ranked = append(ranked, *stats)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].PlayStartCount != ranked[j].PlayStartCount {
			return ranked[i].PlayStartCount > ranked[j].PlayStartCount
		}
		return ranked[i].TrackID < ranked[j].TrackID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// ActiveUsers ranks users by total plays over a trailing window of days.
func (s *Service) ActiveUsers(ctx context.Context, days, limit int) ([]UserStats, error) {
	if limit <= 0 || limit > s.cfg.MaxUserPageSize {
		limit = s.cfg.MaxUserPageSize
	}
	startKey := s.windowStart(days)

	byUser := make(map[string]*UserStats)
	err := s.store.View(ctx, func(tx docstore.ReadTx) error {
		err := tx.ScanPrefix(docstore.PrefixUserActivity, func(key string, value []byte, _ uint64) (bool, error) {
			if isMarkerKey(key) {
				return true, nil
			}
			if dayFromKey(key, docstore.PrefixUserActivity) < startKey {
				return true, nil
			}
			var agg models.UserActivityAggregate
			if err := unmarshalDoc(value, &agg); err != nil {
				return false, err
			}
			stats, ok := byUser[agg.UserID]
			if !ok {
				stats = &UserStats{UserID: agg.UserID}
				byUser[agg.UserID] = stats
			}
			stats.TotalPlays += agg.TotalPlays
			stats.UniqueTracksPlayed += agg.UniqueTracksPlayed
			stats.TotalSecondsPlayed += agg.TotalSecondsPlayed
			if agg.LastActivityAt.After(stats.LastActivityAt) {
				stats.LastActivityAt = agg.LastActivityAt
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		for id, stats := range byUser {
			user, _, err := docstore.GetJSON[models.User](tx, docstore.PrefixUsers+id)
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			stats.DisplayName = user.DisplayName
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	ranked := make([]UserStats, 0, len(byUser))
	for _, stats := range byUser {
		ranked = append(ranked, *stats)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalPlays != ranked[j].TotalPlays {
			return ranked[i].TotalPlays > ranked[j].TotalPlays
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// dayFromKey extracts the trailing yyyymmdd segment from an aggregate key.
func dayFromKey(key, prefix string) string {
	rest := strings.TrimPrefix(key, prefix)
	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

func unmarshalDoc(value []byte, out any) error {
	if err := json.Unmarshal(value, out); err != nil {
		return apperr.Internal(err)
	}
	return nil
}
