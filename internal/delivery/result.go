// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrQueueFull is returned when a destination queue is at capacity.
	// The new task is refused; queued tasks are untouched.
	ErrQueueFull = errors.New("destination queue full")

	// ErrQueueClosed is returned once a queue has stopped accepting work.
	ErrQueueClosed = errors.New("destination queue closed")

	// ErrTemplate marks a payload that could not be rendered. Tasks failing
	// with it are terminal and never retried.
	ErrTemplate = errors.New("template error")

	// ErrUnknownDestination is returned for a destination without a queue.
	ErrUnknownDestination = errors.New("unknown destination")
)

// Result is the outcome of one send attempt.
type Result struct {
	Success      bool
	ErrorMessage string
	ErrorCode    string
	IsTransient  bool
	// RetryAfter is set on 429 responses.
	RetryAfter *time.Duration
	// RateLimitRemaining and RateLimitReset mirror the sink's bucket headers
	// when present; Remaining is -1 when the header was absent.
	RateLimitRemaining int
	RateLimitReset     time.Duration
	ResponseCode       int
	Duration           time.Duration
}

// RateLimited reports whether the sink rejected the request with 429.
func (r *Result) RateLimited() bool {
	return r.ResponseCode == 429 || r.ErrorCode == ErrorCodeRateLimited
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig     = "INVALID_CONFIG"
	ErrorCodeConnectionFailed  = "CONNECTION_FAILED"
	ErrorCodeAuthFailed        = "AUTH_FAILED"
	ErrorCodeRateLimited       = "RATE_LIMITED"
	ErrorCodeContentTooLarge   = "CONTENT_TOO_LARGE"
	ErrorCodeBadRequest        = "BAD_REQUEST"
	ErrorCodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrorCodeServerError       = "SERVER_ERROR"
	ErrorCodeTimeout           = "TIMEOUT"
	ErrorCodeTemplate          = "TEMPLATE_ERROR"
	ErrorCodeUnknown           = "UNKNOWN"
)

// classifyHTTPError maps a transport error to an error code.
func classifyHTTPError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorCodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return ErrorCodeConnectionFailed
	default:
		return ErrorCodeUnknown
	}
}

// classifyHTTPStatusCode maps a non-2xx status to an error code.
func classifyHTTPStatusCode(code int) string {
	switch {
	case code == 400:
		return ErrorCodeBadRequest
	case code == 401 || code == 403:
		return ErrorCodeAuthFailed
	case code == 404:
		return ErrorCodeRecipientNotFound
	case code == 413:
		return ErrorCodeContentTooLarge
	case code == 429:
		return ErrorCodeRateLimited
	case code >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// isTransientHTTPError reports whether a code is expected to clear on retry.
func isTransientHTTPError(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
