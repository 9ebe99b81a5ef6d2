// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package config loads Herald configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in values from defaultConfig()
//  2. Config File: optional YAML (CONFIG_PATH, ./config.yaml, /etc/herald/config.yaml)
//  3. Environment Variables: the mapped names in envTransformFunc
//
// Destinations are normally declared in the YAML file. For single-channel
// setups DISCORD_WEBHOOK_URL creates a destination named "default" that
// every category routes to.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Database      DatabaseConfig      `koanf:"database"`
	Jellyfin      JellyfinConfig      `koanf:"jellyfin"`
	Detector      DetectorConfig      `koanf:"detector"`
	Disambiguator DisambiguatorConfig `koanf:"disambiguator"`
	Routing       RoutingConfig       `koanf:"routing"`
	Queue         QueueConfig         `koanf:"queue"`
	Sync          SyncConfig          `koanf:"sync"`
	Enrichment    EnrichmentConfig    `koanf:"enrichment"`
	Templates     TemplatesConfig     `koanf:"templates"`
	DeadLetter    DeadLetterConfig    `koanf:"deadletter"`
	EventBus      EventBusConfig      `koanf:"eventbus"`
	Security      SecurityConfig      `koanf:"security"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig mirrors logging.Config for the file/env layers.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds settings for the SQLite item store.
type DatabaseConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
	MaxReaders  int           `koanf:"max_readers"`
}

// JellyfinConfig holds catalog API settings.
type JellyfinConfig struct {
	URL             string        `koanf:"url"`
	APIKey          string        `koanf:"api_key"`
	UserID          string        `koanf:"user_id"`
	RealtimeEnabled bool          `koanf:"realtime_enabled"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
}

// DetectorConfig toggles which technical attributes take part in the
// fingerprint and the change diff.
type DetectorConfig struct {
	WatchResolution    bool     `koanf:"watch_resolution"`
	WatchVideoCodec    bool     `koanf:"watch_video_codec"`
	WatchAudioCodec    bool     `koanf:"watch_audio_codec"`
	WatchAudioChannels bool     `koanf:"watch_audio_channels"`
	WatchHDR           bool     `koanf:"watch_hdr"`
	WatchFileSize      bool     `koanf:"watch_file_size"`
	WatchExternalIDs   bool     `koanf:"watch_external_ids"`
	SupportedKinds     []string `koanf:"supported_kinds"`
}

// DisambiguatorConfig holds the deletion grace window.
type DisambiguatorConfig struct {
	GraceWindow time.Duration `koanf:"grace_window"`
}

// RoutingConfig maps content categories to destinations.
type RoutingConfig struct {
	// Categories maps movie|tv|music|other to a destination id.
	Categories        map[string]string   `koanf:"categories"`
	Fallback          string              `koanf:"fallback"`
	Destinations      []DestinationConfig `koanf:"destinations"`
	DefaultWebhookURL string              `koanf:"default_webhook_url"`
}

// DestinationConfig is one outbound chat webhook.
type DestinationConfig struct {
	ID        string          `koanf:"id" validate:"required,max=64,excludesall=/ "`
	URL       string          `koanf:"url" validate:"required,url"`
	Enabled   bool            `koanf:"enabled"`
	Username  string          `koanf:"username" validate:"max=80"`
	AvatarURL string          `koanf:"avatar_url" validate:"omitempty,url"`
	Fallback  string          `koanf:"fallback"`
	Grouping  GroupingConfig  `koanf:"grouping"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// GroupingConfig controls batching for a destination.
type GroupingConfig struct {
	Mode     string        `koanf:"mode" validate:"omitempty,oneof=none event_type content_type both"`
	Delay    time.Duration `koanf:"delay" validate:"gte=0"`
	MaxItems int           `koanf:"max_items" validate:"gte=0,lte=50"`
}

// RateLimitConfig mirrors the sink's published limits: Requests per Period
// plus an optional slower per-minute cap.
type RateLimitConfig struct {
	Requests  int           `koanf:"requests" validate:"gte=0"`
	Period    time.Duration `koanf:"period" validate:"gte=0"`
	PerMinute int           `koanf:"per_minute" validate:"gte=0"`
}

// QueueConfig holds outbound queue and retry policy.
type QueueConfig struct {
	Capacity       int           `koanf:"capacity"`
	MaxAttempts    int           `koanf:"max_attempts"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	JitterFraction float64       `koanf:"jitter_fraction"`
	DrainTimeout   time.Duration `koanf:"drain_timeout"`
	SendTimeout    time.Duration `koanf:"send_timeout"`
}

// SyncConfig holds reconciliation sweep settings. Schedule, when set, is a
// cron expression that replaces Interval.
type SyncConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Interval     time.Duration `koanf:"interval"`
	Schedule     string        `koanf:"schedule"`
	RunOnStartup bool          `koanf:"run_on_startup"`
	BatchSize    int           `koanf:"batch_size"`
	BatchDelay   time.Duration `koanf:"batch_delay"`
}

// EnrichmentConfig holds optional rating lookups.
type EnrichmentConfig struct {
	Enabled    bool          `koanf:"enabled"`
	OMDbAPIKey string        `koanf:"omdb_api_key"`
	OMDbURL    string        `koanf:"omdb_url"`
	Timeout    time.Duration `koanf:"timeout"`
	CacheSize  int           `koanf:"cache_size"`
	CacheTTL   time.Duration `koanf:"cache_ttl"`
}

// TemplatesConfig points at optional per-destination payload templates.
type TemplatesConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// DeadLetterConfig holds the failed-task archive settings.
type DeadLetterConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Path       string        `koanf:"path"`
	InMemory   bool          `koanf:"in_memory"`
	Retention  time.Duration `koanf:"retention"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// EventBusConfig holds inbound event bus settings.
type EventBusConfig struct {
	BufferSize           int           `koanf:"buffer_size"`
	RetryCount           int           `koanf:"retry_count"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
	ThrottlePerSecond    int           `koanf:"throttle_per_second"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
	DedupeTTL            time.Duration `koanf:"dedupe_ttl"`
}

// SecurityConfig holds HTTP surface protections.
type SecurityConfig struct {
	WebhookSecret     string        `koanf:"webhook_secret"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// Destination returns the destination with the given id.
func (r *RoutingConfig) Destination(id string) (DestinationConfig, bool) {
	for _, d := range r.Destinations {
		if d.ID == id {
			return d, true
		}
	}
	return DestinationConfig{}, false
}
