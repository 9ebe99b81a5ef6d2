// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package middleware

import (
	"context"
	"net/http"
	"unicode"

	"github.com/google/uuid"

	"github.com/tomtom215/herald/internal/logging"
)

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderCorrelationID lets a caller join its own logs with ours.
	HeaderCorrelationID = "X-Correlation-ID"

	maxInboundIDLen = 128
)

// RequestID tags each request with a request id (the caller's X-Request-ID
// when it is usable, a new UUID otherwise) and a correlation id, stores both
// in the logging context and echoes them as response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if !usableID(requestID) {
			requestID = uuid.New().String()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if cid := r.Header.Get(HeaderCorrelationID); usableID(cid) {
			ctx = logging.ContextWithCorrelationID(ctx, cid)
		} else {
			ctx = logging.ContextWithNewCorrelationID(ctx)
		}

		w.Header().Set(HeaderRequestID, requestID)
		w.Header().Set(HeaderCorrelationID, logging.CorrelationIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id stored by RequestID.
func GetRequestID(ctx context.Context) string {
	return logging.RequestIDFromContext(ctx)
}

// usableID rejects ids that would corrupt log lines.
func usableID(id string) bool {
	if id == "" || len(id) > maxInboundIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
