// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/eventprocessor"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/validation"
)

const signatureHeader = "X-Herald-Signature"

// IngestResponse acknowledges an accepted or ignored event.
type IngestResponse struct {
	Accepted      bool             `json:"accepted"`
	Event         models.EventKind `json:"event,omitempty"`
	ItemID        string           `json:"item_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// JellyfinWebhook receives Jellyfin webhook plugin notifications.
func (h *Handler) JellyfinWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}

	var payload models.JellyfinWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON payload", nil)
		return
	}
	if verr := validation.ValidateStruct(&payload); verr != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		respondValidation(w, verr)
		return
	}

	ev, isLibrary := payload.LibraryEvent()
	if !isLibrary {
		metrics.EventsRejected.WithLabelValues("ignored").Inc()
		logging.Ctx(r.Context()).Debug().
			Str("notification_type", sanitizeLogValue(payload.NotificationType)).
			Msg("Ignoring non-library Jellyfin notification")
		respondSuccess(w, http.StatusOK, IngestResponse{Reason: "notification type is not a library change"}, start)
		return
	}
	h.publish(w, r, ev, start)
}

// PublishEvent receives events in Herald's own format.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}

	var ev models.LibraryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON payload", nil)
		return
	}
	ev.Source = models.SourceAPI
	h.publish(w, r, ev, start)
}

// readSigned reads the body and checks its signature when a secret is set.
// It writes the error response itself and reports whether to continue.
func (h *Handler) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(w, r)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		if errors.Is(err, errBodyTooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large", nil)
		} else {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body", err)
		}
		return nil, false
	}
	if len(body) == 0 {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Empty request body", nil)
		return nil, false
	}

	if h.deps.WebhookSecret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			metrics.EventsRejected.WithLabelValues("signature").Inc()
			respondError(w, r, http.StatusUnauthorized, ErrCodeInvalidSignature, signatureHeader+" header required", nil)
			return nil, false
		}
		if !verifySignature(body, sig, h.deps.WebhookSecret) {
			metrics.EventsRejected.WithLabelValues("signature").Inc()
			logging.Ctx(r.Context()).Warn().Str("remote_addr", r.RemoteAddr).Msg("Webhook signature mismatch")
			respondError(w, r, http.StatusUnauthorized, ErrCodeInvalidSignature, "Webhook signature verification failed", nil)
			return nil, false
		}
	}
	return body, true
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, ev models.LibraryEvent, start time.Time) {
	if verr := validation.ValidateStruct(&ev); verr != nil {
		metrics.EventsRejected.WithLabelValues("validation").Inc()
		respondValidation(w, verr)
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	ctx := r.Context()
	if err := h.deps.Publisher.Publish(ctx, ev); err != nil {
		if errors.Is(err, eventprocessor.ErrNotRunning) {
			respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Event bus is not running", nil)
			return
		}
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to queue event", err)
		return
	}

	cid := logging.CorrelationIDFromContext(ctx)
	logging.Ctx(ctx).Debug().
		Str("event", string(ev.Kind)).
		Str("item_id", ev.ItemID).
		Str("source", ev.Source).
		Msg("Event accepted")
	respondSuccess(w, http.StatusAccepted, IngestResponse{
		Accepted:      true,
		Event:         ev.Kind,
		ItemID:        ev.ItemID,
		CorrelationID: cid,
	}, start)
}

// verifySignature checks a hex HMAC-SHA256 of body. A "sha256=" prefix is
// accepted.
func verifySignature(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
