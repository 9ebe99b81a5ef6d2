// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/herald/config.yaml",
	"/etc/herald/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultDestinationID is the destination created from DISCORD_WEBHOOK_URL.
const DefaultDestinationID = "default"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8686,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:        "/data/herald.db",
			BusyTimeout: 5 * time.Second,
			MaxReaders:  4,
		},
		Jellyfin: JellyfinConfig{
			RequestTimeout: 30 * time.Second,
		},
		Detector: DetectorConfig{
			WatchResolution:    true,
			WatchVideoCodec:    true,
			WatchAudioCodec:    true,
			WatchAudioChannels: true,
			WatchHDR:           true,
			WatchFileSize:      false, // size drifts on every remux
			WatchExternalIDs:   false,
			SupportedKinds:     []string{"Movie", "Episode", "Audio"},
		},
		Disambiguator: DisambiguatorConfig{
			GraceWindow: 30 * time.Second,
		},
		Routing: RoutingConfig{
			Categories: map[string]string{},
		},
		Queue: QueueConfig{
			Capacity:       500,
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffMax:     time.Minute,
			JitterFraction: 0.2,
			DrainTimeout:   15 * time.Second,
			SendTimeout:    15 * time.Second,
		},
		Sync: SyncConfig{
			Enabled:      true,
			Interval:     6 * time.Hour,
			RunOnStartup: false,
			BatchSize:    100,
			BatchDelay:   500 * time.Millisecond,
		},
		Enrichment: EnrichmentConfig{
			Enabled:   false,
			OMDbURL:   "https://www.omdbapi.com/",
			Timeout:   5 * time.Second,
			CacheSize: 2000,
			CacheTTL:  24 * time.Hour,
		},
		Templates: TemplatesConfig{
			Watch: true,
		},
		DeadLetter: DeadLetterConfig{
			Enabled:    true,
			Path:       "/data/deadletter",
			Retention:  7 * 24 * time.Hour,
			GCInterval: 10 * time.Minute,
		},
		EventBus: EventBusConfig{
			BufferSize:           256,
			RetryCount:           3,
			RetryInitialInterval: 500 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
			ThrottlePerSecond:    0, // unlimited
			CloseTimeout:         30 * time.Second,
			DedupeTTL:            5 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
	}
}

// Load loads configuration from defaults, the config file and the environment.
func Load() (*Config, error) {
	return LoadFile(FindConfigFile())
}

// LoadFile loads configuration using path as the file layer. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.applyDefaultDestination()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaultDestination turns routing.default_webhook_url into a
// destination when none are declared.
func (c *Config) applyDefaultDestination() {
	if c.Routing.DefaultWebhookURL == "" || len(c.Routing.Destinations) > 0 {
		return
	}
	c.Routing.Destinations = []DestinationConfig{{
		ID:      DefaultDestinationID,
		URL:     c.Routing.DefaultWebhookURL,
		Enabled: true,
	}}
	if c.Routing.Fallback == "" {
		c.Routing.Fallback = DefaultDestinationID
	}
}

// FindConfigFile returns the first existing config file, or "".
func FindConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
	"detector.supported_kinds",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_timeout":          "server.timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"database_path":         "database.path",
	"database_busy_timeout": "database.busy_timeout",

	"jellyfin_url":              "jellyfin.url",
	"jellyfin_api_key":          "jellyfin.api_key",
	"jellyfin_user_id":          "jellyfin.user_id",
	"jellyfin_realtime_enabled": "jellyfin.realtime_enabled",

	"watch_resolution":     "detector.watch_resolution",
	"watch_video_codec":    "detector.watch_video_codec",
	"watch_audio_codec":    "detector.watch_audio_codec",
	"watch_audio_channels": "detector.watch_audio_channels",
	"watch_hdr":            "detector.watch_hdr",
	"watch_file_size":      "detector.watch_file_size",
	"watch_external_ids":   "detector.watch_external_ids",
	"supported_kinds":      "detector.supported_kinds",

	"deletion_grace_window": "disambiguator.grace_window",

	"discord_webhook_url": "routing.default_webhook_url",
	"routing_fallback":    "routing.fallback",

	"queue_capacity":      "queue.capacity",
	"queue_max_attempts":  "queue.max_attempts",
	"queue_backoff_base":  "queue.backoff_base",
	"queue_backoff_max":   "queue.backoff_max",
	"queue_drain_timeout": "queue.drain_timeout",

	"sync_enabled":        "sync.enabled",
	"sync_interval":       "sync.interval",
	"sync_schedule":       "sync.schedule",
	"sync_run_on_startup": "sync.run_on_startup",
	"sync_batch_size":     "sync.batch_size",
	"sync_batch_delay":    "sync.batch_delay",

	"enrichment_enabled": "enrichment.enabled",
	"omdb_api_key":       "enrichment.omdb_api_key",

	"templates_dir":   "templates.dir",
	"templates_watch": "templates.watch",

	"deadletter_enabled":   "deadletter.enabled",
	"deadletter_path":      "deadletter.path",
	"deadletter_retention": "deadletter.retention",

	"eventbus_retry_count": "eventbus.retry_count",
	"eventbus_throttle":    "eventbus.throttle_per_second",

	"webhook_secret":      "security.webhook_secret",
	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables return "" and are skipped.
//
//   - JELLYFIN_URL -> jellyfin.url
//   - DISCORD_WEBHOOK_URL -> routing.default_webhook_url
//   - DELETION_GRACE_WINDOW -> disambiguator.grace_window
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// WatchConfigFile reloads configuration whenever path changes and hands the
// result to callback. Reload errors are passed through so the caller can keep
// the previous configuration.
func WatchConfigFile(path string, callback func(*Config, error)) error {
	provider := file.Provider(path)
	return provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		callback(LoadFile(path))
	})
}
