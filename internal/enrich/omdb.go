// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package enrich adds third-party ratings to notifications. Lookups are best
// effort: every failure yields no enrichment and is never surfaced to the
// caller.
package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/cache"
	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// Enricher looks up extra metadata for an item.
type Enricher interface {
	Enrich(ctx context.Context, item *models.MediaItem) *models.Enrichment
}

// Nop never enriches.
type Nop struct{}

// Enrich implements Enricher.
func (Nop) Enrich(context.Context, *models.MediaItem) *models.Enrichment { return nil }

// OMDb enriches movies and episodes that carry an IMDb id.
type OMDb struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	// cache holds nil for ids OMDb does not know, so they are not retried
	// until the entry expires.
	cache *cache.LRU[*models.Enrichment]
}

var _ Enricher = (*OMDb)(nil)

// New returns an OMDb enricher, or Nop when enrichment is disabled.
func New(cfg config.EnrichmentConfig) Enricher {
	if !cfg.Enabled || cfg.OMDbAPIKey == "" {
		return Nop{}
	}
	return NewOMDb(cfg)
}

// NewOMDb creates an OMDb enricher.
func NewOMDb(cfg config.EnrichmentConfig) *OMDb {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := cfg.OMDbURL
	if base == "" {
		base = "https://www.omdbapi.com/"
	}
	return &OMDb{
		baseURL: base,
		apiKey:  cfg.OMDbAPIKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		cache:   cache.New[*models.Enrichment](cfg.CacheSize, cfg.CacheTTL),
	}
}

type omdbResponse struct {
	Response   string `json:"Response"`
	Error      string `json:"Error"`
	IMDBRating string `json:"imdbRating"`
	Metascore  string `json:"Metascore"`
	Genre      string `json:"Genre"`
	Plot       string `json:"Plot"`
	Rated      string `json:"Rated"`
	Ratings    []struct {
		Source string `json:"Source"`
		Value  string `json:"Value"`
	} `json:"Ratings"`
}

// Enrich implements Enricher.
func (o *OMDb) Enrich(ctx context.Context, item *models.MediaItem) *models.Enrichment {
	imdbID := imdbID(item)
	if imdbID == "" {
		metrics.EnrichmentLookups.WithLabelValues("skipped").Inc()
		return nil
	}
	if e, ok := o.cache.Get(imdbID); ok {
		metrics.EnrichmentLookups.WithLabelValues("hit").Inc()
		return e
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	e, err := o.fetch(ctx, imdbID)
	if err != nil {
		metrics.EnrichmentLookups.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Debug().Err(err).Str("imdb_id", imdbID).Msg("OMDb lookup failed")
		return nil
	}
	metrics.EnrichmentLookups.WithLabelValues("miss").Inc()
	o.cache.Add(imdbID, e)
	return e
}

func imdbID(item *models.MediaItem) string {
	for k, v := range item.Attributes.ExternalIDs {
		if strings.EqualFold(k, "imdb") && strings.HasPrefix(v, "tt") {
			return v
		}
	}
	return ""
}

func (o *OMDb) fetch(ctx context.Context, imdbID string) (*models.Enrichment, error) {
	q := url.Values{}
	q.Set("i", imdbID)
	q.Set("apikey", o.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("omdb returned status %d", resp.StatusCode)
	}

	var r omdbResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode omdb response: %w", err)
	}
	if r.Response == "False" {
		// Unknown id: cache the absence.
		return nil, nil
	}

	e := &models.Enrichment{
		IMDbRating: na(r.IMDBRating),
		Metascore:  na(r.Metascore),
		Genre:      na(r.Genre),
		Plot:       na(r.Plot),
		Rated:      na(r.Rated),
	}
	for _, rt := range r.Ratings {
		if rt.Source == "Rotten Tomatoes" {
			e.RottenTomatoes = rt.Value
		}
	}
	if e.IMDbRating != "" {
		e.IMDbRating += "/10"
	}
	return e, nil
}

// na drops OMDb's "N/A" placeholder.
func na(s string) string {
	if s == "N/A" {
		return ""
	}
	return s
}
