// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/herald/internal/validation"
)

// validCategories are the content categories a routing entry may name.
var validCategories = map[string]bool{"movie": true, "tv": true, "music": true, "other": true}

// Validate checks that configuration is complete and consistent.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateJellyfin(); err != nil {
		return err
	}
	if err := c.validateDestinations(); err != nil {
		return err
	}
	if err := c.validateRouting(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	return c.validateEnrichment()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, fatal, panic, disabled; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateJellyfin() error {
	if c.Jellyfin.URL == "" {
		return fmt.Errorf("JELLYFIN_URL is required")
	}
	if err := validateHTTPURL(c.Jellyfin.URL, "JELLYFIN_URL"); err != nil {
		return err
	}
	if c.Jellyfin.APIKey == "" {
		return fmt.Errorf("JELLYFIN_API_KEY is required")
	}
	return nil
}

func (c *Config) validateDestinations() error {
	if len(c.Routing.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required (routing.destinations or DISCORD_WEBHOOK_URL)")
	}
	seen := make(map[string]bool, len(c.Routing.Destinations))
	for i := range c.Routing.Destinations {
		d := &c.Routing.Destinations[i]
		if verr := validation.ValidateStruct(d); verr != nil {
			return fmt.Errorf("destination %d (%q): %w", i, d.ID, verr)
		}
		if seen[d.ID] {
			return fmt.Errorf("destination id %q is declared more than once", d.ID)
		}
		seen[d.ID] = true
		if d.Grouping.Mode != "" && d.Grouping.Mode != "none" && d.Grouping.Delay <= 0 && d.Grouping.MaxItems <= 0 {
			return fmt.Errorf("destination %q: grouping mode %q needs a delay or max_items", d.ID, d.Grouping.Mode)
		}
	}
	for _, d := range c.Routing.Destinations {
		if d.Fallback != "" && !seen[d.Fallback] {
			return fmt.Errorf("destination %q: fallback %q is not a declared destination", d.ID, d.Fallback)
		}
	}
	return nil
}

func (c *Config) validateRouting() error {
	for category, dest := range c.Routing.Categories {
		if !validCategories[category] {
			return fmt.Errorf("routing.categories: unknown category %q (want movie, tv, music or other)", category)
		}
		if _, ok := c.Routing.Destination(dest); !ok {
			return fmt.Errorf("routing.categories.%s: destination %q is not declared", category, dest)
		}
	}
	if c.Routing.Fallback != "" {
		if _, ok := c.Routing.Destination(c.Routing.Fallback); !ok {
			return fmt.Errorf("routing.fallback: destination %q is not declared", c.Routing.Fallback)
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive")
	}
	if c.Queue.JitterFraction < 0 || c.Queue.JitterFraction > 1 {
		return fmt.Errorf("queue.jitter_fraction must be between 0 and 1, got %v", c.Queue.JitterFraction)
	}
	if c.Disambiguator.GraceWindow <= 0 {
		return fmt.Errorf("DELETION_GRACE_WINDOW must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	if !c.Sync.Enabled {
		return nil
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("SYNC_SCHEDULE is not a valid cron expression: %w", err)
		}
	} else if c.Sync.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive when SYNC_SCHEDULE is empty")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1, got %d", c.Sync.BatchSize)
	}
	return nil
}

func (c *Config) validateEnrichment() error {
	if c.Enrichment.Enabled && c.Enrichment.OMDbAPIKey == "" {
		return fmt.Errorf("OMDB_API_KEY is required when ENRICHMENT_ENABLED=true")
	}
	return nil
}

// validateHTTPURL requires an http(s) base URL without query parameters.
func validateHTTPURL(rawURL, fieldName string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s failed to parse URL: %w", fieldName, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got: %s", fieldName, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s host is required", fieldName)
	}
	if u.RawQuery != "" {
		return fmt.Errorf("%s should not contain query parameters", fieldName)
	}
	return nil
}
