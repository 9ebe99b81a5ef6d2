// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/delivery"
	"github.com/tomtom215/herald/internal/disambiguator"
	"github.com/tomtom215/herald/internal/librarysync"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/routing"
	"github.com/tomtom215/herald/internal/store"
	"github.com/tomtom215/herald/internal/validation"
)

// DestinationView merges routing settings with queue statistics.
type DestinationView struct {
	ID       string               `json:"id"`
	Enabled  bool                 `json:"enabled"`
	Fallback string               `json:"fallback,omitempty"`
	Grouping routing.Grouping     `json:"grouping"`
	Queue    *delivery.QueueStats `json:"queue,omitempty"`
}

// Destinations lists destinations in configuration order.
func (h *Handler) Destinations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats := make(map[string]delivery.QueueStats)
	for _, s := range h.deps.Queues.Stats() {
		stats[s.Destination] = s
	}

	dests := h.deps.Routing.Table().Destinations()
	out := make([]DestinationView, 0, len(dests))
	for _, d := range dests {
		v := DestinationView{ID: d.ID, Enabled: d.Enabled, Fallback: d.Fallback, Grouping: d.Grouping}
		if s, ok := stats[d.ID]; ok {
			s.Enabled = d.Enabled
			v.Queue = &s
		}
		out = append(out, v)
	}
	respondSuccess(w, http.StatusOK, out, start)
}

// EnabledRequest is the body of PUT /destinations/{id}/enabled.
type EnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetDestinationEnabled enables or disables a destination.
func (h *Handler) SetDestinationEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON payload", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidation(w, verr)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Routing.SetEnabled(id, *req.Enabled); err != nil {
		h.destinationError(w, r, err)
		return
	}
	h.Destination(w, r)
}

// GroupingRequest is the body of PUT /destinations/{id}/grouping. Delay is
// a Go duration string such as "90s".
type GroupingRequest struct {
	Mode     string `json:"mode" validate:"required,oneof=none event_type content_type both"`
	Delay    string `json:"delay,omitempty"`
	MaxItems int    `json:"max_items" validate:"gte=0,lte=50"`
}

// SetDestinationGrouping replaces a destination's grouping policy. Open
// batches keep the policy they were opened with.
func (h *Handler) SetDestinationGrouping(w http.ResponseWriter, r *http.Request) {
	var req GroupingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON payload", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondValidation(w, verr)
		return
	}
	g := routing.Grouping{Mode: routing.GroupingMode(req.Mode), MaxItems: req.MaxItems}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "delay must be a non-negative duration such as 90s", nil)
			return
		}
		g.Delay = d
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Routing.SetGrouping(id, g); err != nil {
		h.destinationError(w, r, err)
		return
	}
	h.Destination(w, r)
}

// Destination returns one destination.
func (h *Handler) Destination(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	d, ok := h.deps.Routing.Table().Destination(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Destination not found", nil)
		return
	}
	v := DestinationView{ID: d.ID, Enabled: d.Enabled, Fallback: d.Fallback, Grouping: d.Grouping}
	for _, s := range h.deps.Queues.Stats() {
		if s.Destination == id {
			s.Enabled = d.Enabled
			v.Queue = &s
			break
		}
	}
	respondSuccess(w, http.StatusOK, v, start)
}

func (h *Handler) destinationError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, routing.ErrUnknownDestination) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Destination not found", nil)
		return
	}
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to update destination", err)
}

// Item returns the last-known snapshot of an item.
func (h *Handler) Item(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	item, err := h.deps.Items.GetItem(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Item not found", nil)
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabase, "Failed to read item", err)
	default:
		respondSuccess(w, http.StatusOK, item, start)
	}
}

// TriggerSync starts a manual reconciliation sweep.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.deps.Sweeper == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Library sync is not configured", nil)
		return
	}
	if err := h.deps.Sweeper.TriggerSweep(); err != nil {
		if errors.Is(err, librarysync.ErrSweepInProgress) {
			respondError(w, r, http.StatusConflict, ErrCodeConflict, "A sweep is already running", nil)
			return
		}
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to start sweep", err)
		return
	}
	respondSuccess(w, http.StatusAccepted, map[string]string{"status": "started"}, start)
}

// SyncStatus reports the running and last sweep.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.deps.Sweeper == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Library sync is not configured", nil)
		return
	}
	respondSuccess(w, http.StatusOK, h.deps.Sweeper.Status(), start)
}

// PendingDeletionList lists deletions inside their grace window.
func (h *Handler) PendingDeletionList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pending := []disambiguator.Deletion{}
	if h.deps.Pending != nil {
		pending = h.deps.Pending.Pending()
	}
	respondSuccess(w, http.StatusOK, pending, start)
}

// DeadLetterList lists archived tasks, newest first. ?limit= caps the
// result (default 50, max 500).
func (h *Handler) DeadLetterList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.deps.DeadLetters == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Dead-letter archive is not configured", nil)
		return
	}
	limit, ok := intQuery(r, "limit", 50)
	if !ok || limit < 1 || limit > 500 {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "limit must be between 1 and 500", nil)
		return
	}
	entries, err := h.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabase, "Failed to list dead letters", err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	respondSuccess(w, http.StatusOK, entries, start)
}

// DeadLetterReplay re-enqueues an archived task and removes it from the
// archive once queued.
func (h *Handler) DeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.deps.DeadLetters == nil || h.deps.Replayer == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Dead-letter archive is not configured", nil)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	entry, err := h.deps.DeadLetters.Get(ctx, id)
	if err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Dead-letter entry not found", nil)
			return
		}
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabase, "Failed to read dead letter", err)
		return
	}

	taskID, err := h.deps.Replayer.Replay(entry)
	switch {
	case errors.Is(err, delivery.ErrUnknownDestination):
		respondError(w, r, http.StatusConflict, ErrCodeConflict, "Destination no longer exists", nil)
		return
	case errors.Is(err, delivery.ErrQueueFull), errors.Is(err, delivery.ErrQueueClosed):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Destination queue cannot accept the task", nil)
		return
	case err != nil:
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Replay failed", err)
		return
	}

	if err := h.deps.DeadLetters.Delete(ctx, id); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("entry_id", id).Msg("Replayed dead letter could not be removed")
	}
	respondSuccess(w, http.StatusAccepted, map[string]string{"task_id": taskID, "destination": entry.Destination}, start)
}

func intQuery(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Stream upgrades to the live notification websocket.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stream == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Live stream is not configured", nil)
		return
	}
	h.deps.Stream.ServeHTTP(w, r)
}
