// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatune/novatune/internal/admin"
	"github.com/novatune/novatune/internal/audit"
	"github.com/novatune/novatune/internal/auth"
	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/cache"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/ids"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
	"github.com/novatune/novatune/internal/playlist"
	"github.com/novatune/novatune/internal/streaming"
	"github.com/novatune/novatune/internal/track"
	"github.com/novatune/novatune/internal/upload"
)

type testServer struct {
	handler http.Handler
	store   *docstore.MemoryStore
	objects *objectstore.MemoryStore
	t       *testing.T
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keyring, err := cache.NewKeyring(map[string]string{
		"v1": base64.StdEncoding.EncodeToString(make([]byte, 32)),
	}, "v1")
	require.NoError(t, err)
	return cache.NewRedisCacheWithClient(client, keyring, 500*time.Millisecond)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := docstore.NewMemoryStore()
	objects := objectstore.NewMemoryStore()

	tokens, err := auth.NewTokenManager(config.JWTConfig{
		Issuer:     "novatune-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		SigningKey: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	authSvc := auth.NewService(store,
		auth.NewPasswordHasher(config.Argon2Config{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}),
		tokens,
		config.AuthConfig{
			MaxSessionsPerUser: 3,
			LoginIPLimit:       100,
			LoginIPWindow:      time.Minute,
			LoginAccountLimit:  100,
			LoginAccountWindow: time.Minute,
		},
		config.JWTConfig{RefreshTTL: time.Hour},
	)

	uploadSvc := upload.NewService(store, objects, config.UploadConfig{
		MimeAllowlist:    []string{"audio/mpeg", "audio/flac"},
		MaxFileSizeBytes: 10_000_000,
		MaxTracks:        100,
		QuotaBytes:       100_000_000,
		SessionTTL:       time.Hour,
	})

	tracksCfg := config.TracksConfig{
		GraceDuration: 7 * 24 * time.Hour,
		MaxPageSize:   10,
		CursorMaxAge:  time.Hour,
	}
	trackSvc := track.NewService(store, tracksCfg, "track-deletions")

	streamSvc := streaming.NewIssuer(store, objects, newTestCache(t), config.StreamingConfig{
		PresignTTL:      2 * time.Minute,
		CacheTTLBuffer:  30 * time.Second,
		RateLimit:       100,
		RateLimitWindow: time.Minute,
	})

	playlistSvc := playlist.NewService(store, config.PlaylistsConfig{
		MaxPerUser:   10,
		MaxTracks:    100,
		MaxAddBatch:  10,
		MaxPageSize:  10,
		CursorMaxAge: time.Hour,
	})

	adminCfg := config.AdminConfig{
		MaxUserPageSize:       10,
		MaxTrackPageSize:      10,
		MaxAuditPageSize:      10,
		AnalyticsOverviewDays: 30,
		ReasonCodeAllowlist:   []string{"terms_violation", "copyright_claim"},
	}
	adminSvc := admin.NewService(store, audit.NewLog(store, 0), streamSvc, adminCfg, tracksCfg, "track-deletions")

	server := NewServer(Options{
		Auth:      authSvc,
		Tokens:    tokens,
		Uploads:   uploadSvc,
		Tracks:    trackSvc,
		Streams:   streamSvc,
		Playlists: playlistSvc,
		Admin:     adminSvc,
		Publisher: bus.NewMemoryBus().Publisher(),
		ServerConfig: config.ServerConfig{
			CORSOrigins: []string{"https://app.example.com"},
		},
		AuthConfig: config.AuthConfig{
			LoginIPLimit:  100,
			LoginIPWindow: time.Minute,
		},
		StreamingConfig: config.StreamingConfig{
			RateLimit:       100,
			RateLimitWindow: time.Minute,
		},
		TelemetryTopic: "telemetry",
	})

	return &testServer{handler: server.Router(), store: store, objects: objects, t: t}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// register creates an account through the API and returns its access token
// and user ID.
func (ts *testServer) register(email string) (token, userID string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/auth/register", "", map[string]any{
		"email":       email,
		"password":    "correct horse battery",
		"displayName": "Test User",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(ts.t, rec)
	tokens := body["tokens"].(map[string]any)
	user := body["user"].(map[string]any)
	return tokens["accessToken"].(string), user["id"].(string)
}

// promoteAdmin grants the admin role directly in the store; a fresh login
// puts the role into the token claims.
func (ts *testServer) promoteAdmin(email string) string {
	ts.t.Helper()
	require.NoError(ts.t, ts.store.Update(context.Background(), func(tx docstore.Tx) error {
		return tx.ScanPrefix(docstore.PrefixUsers, func(key string, value []byte, version uint64) (bool, error) {
			var user models.User
			if err := json.Unmarshal(value, &user); err != nil {
				return false, err
			}
			if user.Email != email {
				return true, nil
			}
			user.Roles = append(user.Roles, models.RoleAdmin)
			return false, docstore.PutJSON(tx, key, &user, version)
		})
	}))

	rec := ts.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email":    email,
		"password": "correct horse battery",
	})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(ts.t, rec)["tokens"].(map[string]any)["accessToken"].(string)
}

// seedTrack writes a ready track with its listing and search indexes.
func (ts *testServer) seedTrack(userID, title string) string {
	ts.t.Helper()
	created := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	id := ids.NewAt(created)
	tr := &models.Track{
		ID:               id,
		UserID:           userID,
		Title:            title,
		Status:           models.TrackStatusReady,
		ModerationStatus: models.ModerationNone,
		MimeType:         "audio/mpeg",
		ObjectKey:        "audio/" + userID + "/" + id + "/nonce",
		DurationSeconds:  180,
		FileSizeBytes:    5_000_000,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	ts.objects.PutObject(tr.ObjectKey, tr.MimeType, make([]byte, 64))
	require.NoError(ts.t, ts.store.Update(context.Background(), func(tx docstore.Tx) error {
		if err := docstore.PutJSON(tx, track.Key(id), tr, 0); err != nil {
			return err
		}
		term := userID + "\x00" + docstore.SortableTime(created) + "\x00" + id
		if err := tx.AddIndex(docstore.IndexTracksByUser, term, track.Key(id)); err != nil {
			return err
		}
		return docstore.UpdateFullText(tx, docstore.FullTextTracks, track.Key(id), "", title)
	}))
	return id
}

func TestRegisterLoginAndProblemShape(t *testing.T) {
	ts := newTestServer(t)

	token, _ := ts.register("alice@example.com")
	assert.NotEmpty(t, token)

	rec := ts.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json; charset=utf-8", rec.Header().Get("Content-Type"))

	problem := decodeBody(t, rec)
	assert.Equal(t, "https://novatune.dev/problems/invalid-credentials", problem["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), problem["status"])
	assert.NotEmpty(t, problem["traceId"])
	assert.Equal(t, "/auth/login", problem["instance"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/tracks/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/tracks/", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadInitiate(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.register("alice@example.com")

	rec := ts.do(http.MethodPost, "/tracks/upload/initiate", token, map[string]any{
		"fileName":      "song.mp3",
		"mimeType":      "audio/mpeg",
		"fileSizeBytes": 5_000_000,
		"title":         "My Song",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["uploadId"])
	assert.NotEmpty(t, body["trackId"])
	assert.NotEmpty(t, body["presignedUrl"])
	assert.Contains(t, body["objectKey"], "audio/")

	// The issued session is readable by its owner.
	rec = ts.do(http.MethodGet, "/tracks/upload/"+body["uploadId"].(string), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/tracks/upload/initiate", token, map[string]any{
		"fileName":      "movie.mkv",
		"mimeType":      "video/x-matroska",
		"fileSizeBytes": 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register("alice@example.com")
	trackID := ts.seedTrack(userID, "Neon Fox")

	rec := ts.do(http.MethodGet, "/tracks/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]any)
	require.Len(t, items, 1)

	// Merge-patch the title under optimistic concurrency.
	rec = ts.do(http.MethodPatch, "/tracks/"+trackID, token, map[string]any{
		"title":   "Neon Fox (Remaster)",
		"version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Neon Fox (Remaster)", decodeBody(t, rec)["title"])

	// A stale version conflicts.
	rec = ts.do(http.MethodPatch, "/tracks/"+trackID, token, map[string]any{
		"title":   "Too Late",
		"version": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Soft delete, then the listing hides it.
	rec = ts.do(http.MethodDelete, "/tracks/"+trackID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody(t, rec)["scheduledDeletionAt"])

	rec = ts.do(http.MethodGet, "/tracks/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["items"])

	// Restore brings it back.
	rec = ts.do(http.MethodPost, "/tracks/"+trackID+"/restore", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.TrackStatusReady), decodeBody(t, rec)["status"])
}

func TestStreamEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register("alice@example.com")
	trackID := ts.seedTrack(userID, "Streamable")

	rec := ts.do(http.MethodPost, "/tracks/"+trackID+"/stream", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["url"])
	assert.Equal(t, "audio/mpeg", body["contentType"])
	assert.Equal(t, float64(5_000_000), body["fileSize"])
	assert.Equal(t, true, body["supportsRangeRequests"])

	// A foreign caller sees 404, not 403.
	otherToken, _ := ts.register("bob@example.com")
	rec = ts.do(http.MethodPost, "/tracks/"+trackID+"/stream", otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaylistFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register("alice@example.com")
	trackA := ts.seedTrack(userID, "Track A")
	trackB := ts.seedTrack(userID, "Track B")

	rec := ts.do(http.MethodPost, "/playlists/", token, map[string]any{
		"name": "Morning Mix",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	playlistID := decodeBody(t, rec)["id"].(string)

	rec = ts.do(http.MethodPost, "/playlists/"+playlistID+"/tracks", token, map[string]any{
		"trackIds": []string{trackA, trackB, trackA},
		"version":  1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["trackCount"])
	assert.Equal(t, float64(540), body["totalDurationSeconds"])

	rec = ts.do(http.MethodPost, "/playlists/"+playlistID+"/reorder", token, map[string]any{
		"moves":   []map[string]int{{"from": 0, "to": 2}},
		"version": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodDelete, "/playlists/"+playlistID+"/tracks/0?version=3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decodeBody(t, rec)["trackCount"])
}

func TestTelemetryIngest(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.register("alice@example.com")
	trackID := ts.seedTrack(userID, "Played")

	rec := ts.do(http.MethodPost, "/telemetry/playback", token, map[string]any{
		"events": []map[string]any{
			{
				"eventType":       "play_start",
				"trackId":         trackID,
				"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
				"sessionId":       "session-1",
			},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, rec)["accepted"])

	rec = ts.do(http.MethodPost, "/telemetry/playback", token, map[string]any{
		"events": []map[string]any{
			{"eventType": "rewind", "trackId": trackID},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/telemetry/playback", token, map[string]any{
		"events": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSurface(t *testing.T) {
	ts := newTestServer(t)
	listenerToken, listenerID := ts.register("alice@example.com")
	trackID := ts.seedTrack(listenerID, "Contested")

	_, _ = ts.register("root@example.com")
	adminToken := ts.promoteAdmin("root@example.com")

	// Listeners cannot reach the admin surface.
	rec := ts.do(http.MethodGet, "/admin/users", listenerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["items"].([]any), 2)

	// Moderation with an allowlisted reason code.
	rec = ts.do(http.MethodPost, "/admin/tracks/"+trackID+"/moderate", adminToken, map[string]any{
		"status":     "removed",
		"reasonCode": "copyright_claim",
		"reasonText": "DMCA notice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/admin/tracks/"+trackID+"/moderate", adminToken, map[string]any{
		"status":     "removed",
		"reasonCode": "not_on_the_list",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The moderation left a verifiable audit trail.
	rec = ts.do(http.MethodGet, "/admin/audit", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["items"].([]any), 1)

	rec = ts.do(http.MethodPost, "/admin/audit/verify", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decodeBody(t, rec)
	assert.Equal(t, true, verify["isValid"])
	assert.Equal(t, float64(1), verify["entriesChecked"])
}

func TestHealthEndpoints(t *testing.T) {
	store := docstore.NewMemoryStore()
	server := NewServer(Options{
		HealthChecks: []HealthCheck{
			{Name: "docstore", Probe: func(ctx context.Context) error {
				return store.View(ctx, func(docstore.ReadTx) error { return nil })
			}},
		},
	})
	handler := server.Router()

	req := httptest.NewRequest(http.MethodGet, "/alive", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewServer(Options{
		HealthChecks: []HealthCheck{
			{Name: "cache", Probe: func(context.Context) error { return errors.New("connection refused") }},
		},
	})
	rec = httptest.NewRecorder()
	failing.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
