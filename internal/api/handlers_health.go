// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package api

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status           string  `json:"status"`
	Version          string  `json:"version,omitempty"`
	DatabaseOK       bool    `json:"database_connected"`
	Items            int     `json:"items"`
	PendingDeletions int     `json:"pending_deletions"`
	DeadLetters      int     `json:"dead_letters"`
	Uptime           float64 `json:"uptime_seconds"`
}

// Health reports liveness. The status is "degraded", still with 200, when
// the item store does not answer, so that orchestrators do not restart a
// process whose queues are still draining.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := HealthStatus{
		Status:  "healthy",
		Version: h.deps.Version,
		Uptime:  time.Since(h.startTime).Seconds(),
	}
	if err := h.deps.Items.Ping(ctx); err == nil {
		st.DatabaseOK = true
		if n, err := h.deps.Items.CountItems(ctx); err == nil {
			st.Items = n
		}
	} else {
		st.Status = "degraded"
	}
	if h.deps.Pending != nil {
		st.PendingDeletions = len(h.deps.Pending.Pending())
	}
	if h.deps.DeadLetters != nil {
		if n, err := h.deps.DeadLetters.Count(ctx); err == nil {
			st.DeadLetters = n
		}
	}
	respondSuccess(w, http.StatusOK, st, start)
}
