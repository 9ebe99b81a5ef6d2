// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// contextKey is unexported so no other package can collide with these keys.
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestIDKey     contextKey = "request_id"
	itemIDKey        contextKey = "item_id"
)

// GenerateCorrelationID returns a short id that follows one library event
// from ingestion to delivery.
//
// The id is the first eight hex characters of a random UUID. It only has to
// be unique among log lines that are read together, so the short form keeps
// console output readable. The request-id middleware creates one per
// request unless the caller supplied X-Correlation-ID, and the event bus
// carries it in message metadata so processing logs match the request that
// published the event.
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID returns a context carrying id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithNewCorrelationID returns a context with a freshly generated correlation id.
func ContextWithNewCorrelationID(ctx context.Context) context.Context {
	return ContextWithCorrelationID(ctx, GenerateCorrelationID())
}

// CorrelationIDFromContext returns "" when ctx has no correlation id.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID returns a context carrying the HTTP request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns "" when ctx has no request id.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithItemID tags ctx with the media item being processed.
func ContextWithItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, itemIDKey, id)
}

// ItemIDFromContext returns "" when ctx has no item id.
func ItemIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(itemIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns the global logger enriched with correlation_id, request_id
// and item_id when present in ctx.
//
// A fresh child logger is built on every call, so the result reflects the
// current global level and output even after Init runs again. Callers on
// hot paths that log many lines for one ctx can keep the returned pointer.
//
//	logging.Ctx(ctx).Info().Str("outcome", "upgraded").Msg("Change detected")
func Ctx(ctx context.Context) *zerolog.Logger {
	c := Logger().With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		c = c.Str("correlation_id", id)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		c = c.Str("request_id", id)
	}
	if id := ItemIDFromContext(ctx); id != "" {
		c = c.Str("item_id", id)
	}
	l := c.Logger()
	return &l
}
