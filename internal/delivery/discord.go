// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Sender posts a rendered payload to a webhook URL.
type Sender interface {
	Send(ctx context.Context, url string, payload []byte) Result
}

// DiscordSender delivers payloads to Discord-compatible webhooks.
type DiscordSender struct {
	client *http.Client
}

var _ Sender = (*DiscordSender)(nil)

// NewDiscordSender creates a sender with the given per-request timeout.
func NewDiscordSender(timeout time.Duration) *DiscordSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DiscordSender{client: &http.Client{Timeout: timeout}}
}

// DiscordWebhookPayload is the Discord execute-webhook body.
type DiscordWebhookPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed is a Discord embed object.
type DiscordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *DiscordEmbedFooter `json:"footer,omitempty"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
}

// DiscordEmbedFooter is the footer of an embed.
type DiscordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

// DiscordEmbedField is one name/value pair in an embed.
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Send posts payload to url. It never returns an error; failures are
// described by the Result.
func (s *DiscordSender) Send(ctx context.Context, url string, payload []byte) (result Result) {
	start := time.Now()
	result.RateLimitRemaining = -1
	defer func() { result.Duration = time.Since(start) }()

	if url == "" {
		result.ErrorMessage = "webhook URL is empty"
		result.ErrorCode = ErrorCodeInvalidConfig
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeInvalidConfig
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald")

	resp, err := s.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to send webhook: %v", err)
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientHTTPError(result.ErrorCode)
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.ResponseCode = resp.StatusCode
	parseBucketHeaders(resp.Header, &result)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		result.Success = true
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		body = []byte("(failed to read response)")
	}
	result.ErrorMessage = fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientHTTPError(result.ErrorCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := retryAfter(resp.Header, body); ok {
			result.RetryAfter = &d
		}
	}
	return result
}

// retryAfter reads the Retry-After header (seconds, possibly fractional)
// and falls back to Discord's retry_after body field.
func retryAfter(h http.Header, body []byte) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second)), true
	}
	return 0, false
}

func parseBucketHeaders(h http.Header, r *Result) {
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			r.RateLimitRemaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			r.RateLimitReset = time.Duration(secs * float64(time.Second))
		}
	}
}
