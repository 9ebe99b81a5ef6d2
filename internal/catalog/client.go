// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package catalog talks to the media server.

It provides a REST client for item details and paged library listings, a
circuit-breaker wrapper around it, and a websocket listener that turns
LibraryChanged notifications into library events.

API Reference: https://api.jellyfin.org/
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

var (
	// ErrNotFound means the item no longer exists. Permanent.
	ErrNotFound = errors.New("catalog item not found")

	// ErrTransient wraps failures expected to clear on their own: network
	// errors, timeouts, 5xx responses and an open circuit.
	ErrTransient = errors.New("catalog temporarily unavailable")
)

// itemFields are the extra BaseItemDto fields the detector needs.
const itemFields = "MediaSources,ProviderIds,Path,Overview,DateCreated"

// Client is the catalog surface used by the pipeline and the sweep.
type Client interface {
	GetItem(ctx context.Context, id string) (*models.MediaItem, error)
	ListItems(ctx context.Context, start, limit int) (*ItemPage, error)
	Ping(ctx context.Context) error
}

// ItemPage is one page of a library listing.
type ItemPage struct {
	Items []models.MediaItem
	Total int
	Start int
}

// JellyfinClient provides access to the Jellyfin REST API.
type JellyfinClient struct {
	baseURL    string
	apiKey     string
	userID     string // optional: user-scoped item lookups
	itemTypes  []string
	httpClient *http.Client
}

var _ Client = (*JellyfinClient)(nil)

// NewJellyfinClient creates a client. itemTypes restricts library listings
// (e.g. Movie, Episode, Audio); empty lists everything.
func NewJellyfinClient(cfg config.JellyfinConfig, itemTypes []string) *JellyfinClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JellyfinClient{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		itemTypes:  itemTypes,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetItem fetches one item with its media sources.
func (c *JellyfinClient) GetItem(ctx context.Context, id string) (item *models.MediaItem, err error) {
	defer func() { metrics.RecordCatalogRequest("get_item", err) }()

	var endpoint string
	if c.userID != "" {
		endpoint = fmt.Sprintf("/Users/%s/Items/%s?Fields=%s", url.PathEscape(c.userID), url.PathEscape(id), itemFields)
	} else {
		q := url.Values{}
		q.Set("Ids", id)
		q.Set("Fields", itemFields)
		endpoint = "/Items?" + q.Encode()
	}

	var raw models.JellyfinItem
	if c.userID != "" {
		if err := c.getJSON(ctx, "item", endpoint, &raw); err != nil {
			return nil, err
		}
	} else {
		var page models.JellyfinItemsResponse
		if err := c.getJSON(ctx, "item", endpoint, &page); err != nil {
			return nil, err
		}
		if len(page.Items) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		raw = page.Items[0]
	}

	mi := raw.ToMediaItem()
	return &mi, nil
}

// ListItems returns one page of non-folder items ordered by creation date.
func (c *JellyfinClient) ListItems(ctx context.Context, start, limit int) (page *ItemPage, err error) {
	defer func() { metrics.RecordCatalogRequest("list_items", err) }()

	q := url.Values{}
	q.Set("Recursive", "true")
	q.Set("IsFolder", "false")
	q.Set("Fields", itemFields)
	q.Set("SortBy", "DateCreated,SortName")
	q.Set("SortOrder", "Ascending")
	q.Set("StartIndex", strconv.Itoa(start))
	q.Set("Limit", strconv.Itoa(limit))
	if len(c.itemTypes) > 0 {
		q.Set("IncludeItemTypes", strings.Join(c.itemTypes, ","))
	}
	endpoint := "/Items"
	if c.userID != "" {
		endpoint = "/Users/" + url.PathEscape(c.userID) + "/Items"
	}

	var resp models.JellyfinItemsResponse
	if err := c.getJSON(ctx, "items", endpoint+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	page = &ItemPage{Total: resp.TotalRecordCount, Start: resp.StartIndex, Items: make([]models.MediaItem, 0, len(resp.Items))}
	for i := range resp.Items {
		if resp.Items[i].IsFolder {
			continue
		}
		page.Items = append(page.Items, resp.Items[i].ToMediaItem())
	}
	return page, nil
}

// Ping tests connectivity to the server.
func (c *JellyfinClient) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "/System/Ping")
	if err != nil {
		return fmt.Errorf("%w: jellyfin ping failed: %w", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jellyfin ping returned status %d", resp.StatusCode)
	}
	return nil
}

// GetWebSocketURL returns the websocket URL for real-time notifications.
func (c *JellyfinClient) GetWebSocketURL() (string, error) {
	parsedURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "https":
		parsedURL.Scheme = "wss"
	default:
		parsedURL.Scheme = "ws"
	}

	parsedURL.Path = strings.TrimSuffix(parsedURL.Path, "/") + "/socket"
	query := parsedURL.Query()
	query.Set("api_key", c.apiKey)
	query.Set("deviceId", "herald")
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

// getJSON performs a GET and decodes a 200 response into out, classifying
// failures as ErrNotFound or ErrTransient where appropriate.
func (c *JellyfinClient) getJSON(ctx context.Context, what, endpoint string, out interface{}) error {
	resp, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("%w: jellyfin %s request failed: %w", ErrTransient, what, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: jellyfin %s returned status 404", ErrNotFound, what)
	default:
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if rerr != nil {
			body = []byte("(failed to read body)")
		}
		err := fmt.Errorf("jellyfin %s returned status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode jellyfin %s: %w", what, err)
	}
	return nil
}

// doRequest performs an authenticated GET against the API.
func (c *JellyfinClient) doRequest(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "Herald")
	req.Header.Set("X-Emby-Device-Name", "Herald")
	req.Header.Set("X-Emby-Device-Id", "herald")
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}
