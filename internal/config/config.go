// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package config loads and validates NovaTune configuration using Koanf v2
// with layered sources: struct defaults, optional YAML file, environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration shared by the API and all workers.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	JWT       JWTConfig       `koanf:"jwt"`
	Argon2    Argon2Config    `koanf:"argon2"`
	Auth      AuthConfig      `koanf:"auth"`
	DocStore  DocStoreConfig  `koanf:"docstore"`
	Storage   StorageConfig   `koanf:"storage"`
	Cache     CacheConfig     `koanf:"cache"`
	Bus       BusConfig       `koanf:"bus"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	Upload    UploadConfig    `koanf:"upload"`
	Tracks    TracksConfig    `koanf:"tracks"`
	Streaming StreamingConfig `koanf:"streaming"`
	Playlists PlaylistsConfig `koanf:"playlists"`
	Processor ProcessorConfig `koanf:"processor"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Admin     AdminConfig     `koanf:"admin"`
	Features  FeatureFlags    `koanf:"features"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config for the koanf layer.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// JWTConfig holds access-token settings. The signing key is process-wide and
// read-only after startup.
type JWTConfig struct {
	Issuer     string        `koanf:"issuer"`
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
	SigningKey string        `koanf:"signing_key"`
}

// Argon2Config holds Argon2id parameters.
type Argon2Config struct {
	MemoryKiB   uint32 `koanf:"memory_kib"`
	Iterations  uint32 `koanf:"iterations"`
	Parallelism uint8  `koanf:"parallelism"`
}

// AuthConfig holds session and login-limiter settings.
type AuthConfig struct {
	MaxSessionsPerUser int           `koanf:"max_sessions_per_user"`
	LoginIPLimit       int           `koanf:"login_ip_limit"`
	LoginIPWindow      time.Duration `koanf:"login_ip_window"`
	LoginAccountLimit  int           `koanf:"login_account_limit"`
	LoginAccountWindow time.Duration `koanf:"login_account_window"`
}

// DocStoreConfig holds document store settings.
type DocStoreConfig struct {
	Path        string        `koanf:"path"`
	InMemory    bool          `koanf:"in_memory"`
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// StorageConfig holds S3-compatible object store settings.
type StorageConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	Region         string        `koanf:"region"`
	Bucket         string        `koanf:"bucket"`
	AccessKey      string        `koanf:"access_key"`
	SecretKey      string        `koanf:"secret_key"`
	UsePathStyle   bool          `koanf:"use_path_style"`
	PresignTimeout time.Duration `koanf:"presign_timeout"`
}

// CacheConfig holds Redis cache settings including the versioned AES keys.
type CacheConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`

	// EncryptionKeys maps key version -> base64 32-byte key. At least the
	// ActiveKeyVersion must be present; older versions stay readable during
	// rotation windows.
	EncryptionKeys   map[string]string `koanf:"encryption_keys"`
	ActiveKeyVersion string            `koanf:"active_key_version"`
}

// BusConfig holds Kafka bus settings.
type BusConfig struct {
	Brokers       []string      `koanf:"brokers"`
	TopicPrefix   string        `koanf:"topic_prefix"`
	ConsumerGroup string        `koanf:"consumer_group"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BaseDelay     time.Duration `koanf:"base_delay"`
	DrainTimeout  time.Duration `koanf:"drain_timeout"`
}

// OutboxConfig holds outbox relay settings.
type OutboxConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxAttempts  int           `koanf:"max_attempts"`
}

// UploadConfig holds upload validation settings.
type UploadConfig struct {
	MimeAllowlist    []string      `koanf:"mime_allowlist"`
	MaxFileSizeBytes int64         `koanf:"max_file_size_bytes"`
	MaxTracks        int           `koanf:"max_tracks"`
	QuotaBytes       int64         `koanf:"quota_bytes"`
	SessionTTL       time.Duration `koanf:"session_ttl"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// TracksConfig holds track management settings.
type TracksConfig struct {
	GraceDuration time.Duration `koanf:"grace_duration"`
	MaxPageSize   int           `koanf:"max_page_size"`
	CursorMaxAge  time.Duration `koanf:"cursor_max_age"`
}

// StreamingConfig holds stream-URL issuance settings.
type StreamingConfig struct {
	PresignTTL      time.Duration `koanf:"presign_ttl"`
	CacheTTLBuffer  time.Duration `koanf:"cache_ttl_buffer"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// PlaylistsConfig holds playlist quota settings.
type PlaylistsConfig struct {
	MaxPerUser   int           `koanf:"max_per_user"`
	MaxTracks    int           `koanf:"max_tracks"`
	MaxAddBatch  int           `koanf:"max_add_batch"`
	MaxPageSize  int           `koanf:"max_page_size"`
	CursorMaxAge time.Duration `koanf:"cursor_max_age"`
}

// ProcessorConfig holds audio processor settings.
type ProcessorConfig struct {
	FfprobePath      string        `koanf:"ffprobe_path"`
	FfmpegPath       string        `koanf:"ffmpeg_path"`
	FfprobeTimeout   time.Duration `koanf:"ffprobe_timeout"`
	FfmpegTimeout    time.Duration `koanf:"ffmpeg_timeout"`
	MaxTrackDuration time.Duration `koanf:"max_track_duration"`
	WorkerCount      int           `koanf:"worker_count"`
	SupportedCodecs  []string      `koanf:"supported_codecs"`
	TempDir          string        `koanf:"temp_dir"`
	WaveformPeaks    int           `koanf:"waveform_peaks"`
}

// TelemetryConfig holds telemetry worker settings.
type TelemetryConfig struct {
	RetentionDays    int `koanf:"retention_days"`
	WorkerCount      int `koanf:"worker_count"`
	MaxRetryAttempts int `koanf:"max_retry_attempts"`
}

// LifecycleConfig holds lifecycle worker settings.
type LifecycleConfig struct {
	PollingInterval  time.Duration `koanf:"polling_interval"`
	BatchSize        int           `koanf:"batch_size"`
	MaxConcurrency   int           `koanf:"max_concurrency"`
	MaxRetryAttempts int           `koanf:"max_retry_attempts"`
	BacklogThreshold int           `koanf:"backlog_threshold"`
}

// AdminConfig holds admin surface settings.
type AdminConfig struct {
	MaxUserPageSize       int           `koanf:"max_user_page_size"`
	MaxTrackPageSize      int           `koanf:"max_track_page_size"`
	MaxAuditPageSize      int           `koanf:"max_audit_page_size"`
	AnalyticsOverviewDays int           `koanf:"analytics_overview_days"`
	ReasonCodeAllowlist   []string      `koanf:"reason_code_allowlist"`
	AuditRetention        time.Duration `koanf:"audit_retention"`
}

// FeatureFlags gates optional subsystems for local development.
type FeatureFlags struct {
	MessagingEnabled bool `koanf:"messaging_enabled"`
	StorageEnabled   bool `koanf:"storage_enabled"`
}

// defaultConfig returns a Config with production defaults. Defaults are
// applied first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer:     "novatune",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 60 * time.Minute,
			SigningKey: "",
		},
		Argon2: Argon2Config{
			MemoryKiB:   65536,
			Iterations:  3,
			Parallelism: 4,
		},
		Auth: AuthConfig{
			MaxSessionsPerUser: 5,
			LoginIPLimit:       10,
			LoginIPWindow:      time.Minute,
			LoginAccountLimit:  5,
			LoginAccountWindow: time.Minute,
		},
		DocStore: DocStoreConfig{
			Path:        "/data/novatune/docstore",
			InMemory:    false,
			ReadTimeout: 2 * time.Second,
		},
		Storage: StorageConfig{
			Endpoint:       "",
			Region:         "us-east-1",
			Bucket:         "novatune-audio",
			UsePathStyle:   true,
			PresignTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Addr:             "127.0.0.1:6379",
			DB:               0,
			Timeout:          500 * time.Millisecond,
			EncryptionKeys:   map[string]string{},
			ActiveKeyVersion: "v1",
		},
		Bus: BusConfig{
			Brokers:       []string{"127.0.0.1:9092"},
			TopicPrefix:   "novatune",
			ConsumerGroup: "novatune",
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			DrainTimeout:  60 * time.Second,
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			MaxAttempts:  10,
		},
		Upload: UploadConfig{
			MimeAllowlist: []string{
				"audio/mpeg", "audio/mp4", "audio/flac",
				"audio/wav", "audio/x-wav", "audio/ogg",
			},
			MaxFileSizeBytes: 200 << 20, // 200 MiB
			MaxTracks:        1000,
			QuotaBytes:       10 << 30, // 10 GiB
			SessionTTL:       15 * time.Minute,
			SweepInterval:    time.Minute,
		},
		Tracks: TracksConfig{
			GraceDuration: 30 * 24 * time.Hour,
			MaxPageSize:   100,
			CursorMaxAge:  time.Hour,
		},
		Streaming: StreamingConfig{
			PresignTTL:      2 * time.Minute,
			CacheTTLBuffer:  30 * time.Second,
			RateLimit:       60,
			RateLimitWindow: time.Minute,
		},
		Playlists: PlaylistsConfig{
			MaxPerUser:   100,
			MaxTracks:    1000,
			MaxAddBatch:  100,
			MaxPageSize:  100,
			CursorMaxAge: time.Hour,
		},
		Processor: ProcessorConfig{
			FfprobePath:      "ffprobe",
			FfmpegPath:       "ffmpeg",
			FfprobeTimeout:   30 * time.Second,
			FfmpegTimeout:    5 * time.Minute,
			MaxTrackDuration: 120 * time.Minute,
			WorkerCount:      4,
			SupportedCodecs:  []string{"mp3", "aac", "flac", "pcm_s16le", "pcm_s24le", "vorbis", "opus", "alac"},
			TempDir:          "",
			WaveformPeaks:    800,
		},
		Telemetry: TelemetryConfig{
			RetentionDays:    30,
			WorkerCount:      4,
			MaxRetryAttempts: 5,
		},
		Lifecycle: LifecycleConfig{
			PollingInterval:  5 * time.Minute,
			BatchSize:        50,
			MaxConcurrency:   10,
			MaxRetryAttempts: 3,
			BacklogThreshold: 500,
		},
		Admin: AdminConfig{
			MaxUserPageSize:       100,
			MaxTrackPageSize:      100,
			MaxAuditPageSize:      200,
			AnalyticsOverviewDays: 7,
			ReasonCodeAllowlist: []string{
				"copyright", "abuse", "spam", "tos_violation",
				"user_request", "quality", "other",
			},
			AuditRetention: 365 * 24 * time.Hour,
		},
		Features: FeatureFlags{
			MessagingEnabled: true,
			StorageEnabled:   true,
		},
	}
}

// Validate checks configuration invariants that cannot be expressed as types.
func (c *Config) Validate() error {
	if len(c.JWT.SigningKey) < 32 {
		return fmt.Errorf("jwt.signing_key must be at least 32 bytes, got %d", len(c.JWT.SigningKey))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("jwt TTLs must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Upload.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("upload.max_file_size_bytes must be positive")
	}
	if c.Upload.QuotaBytes < c.Upload.MaxFileSizeBytes {
		return fmt.Errorf("upload.quota_bytes must be at least upload.max_file_size_bytes")
	}
	if c.Tracks.GraceDuration <= 0 {
		return fmt.Errorf("tracks.grace_duration must be positive")
	}
	if c.Streaming.PresignTTL <= c.Streaming.CacheTTLBuffer {
		return fmt.Errorf("streaming.presign_ttl must exceed streaming.cache_ttl_buffer")
	}
	if c.Bus.TopicPrefix == "" {
		return fmt.Errorf("bus.topic_prefix must not be empty")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive")
	}
	if _, ok := c.Cache.EncryptionKeys[c.Cache.ActiveKeyVersion]; !ok && len(c.Cache.EncryptionKeys) > 0 {
		return fmt.Errorf("cache.active_key_version %q has no key configured", c.Cache.ActiveKeyVersion)
	}
	return nil
}

// Topic returns the environment-prefixed topic name.
func (c *BusConfig) Topic(suffix string) string {
	return c.TopicPrefix + "-" + suffix
}

// Topic suffixes used across the pipeline.
const (
	TopicAudioEvents    = "audio-events"
	TopicTrackDeletions = "track-deletions"
	TopicTelemetry      = "telemetry"
	TopicObjectEvents   = "minio-events"
	TopicDLQ            = "dlq"
)
