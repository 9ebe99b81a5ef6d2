// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/herald/internal/middleware"
)

// Router wires the handlers into a chi mux.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router. A nil mw uses the default middleware config.
func NewRouter(handler *Handler, mw *ChiMiddleware) *Router {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	return &Router{handler: handler, chiMiddleware: mw}
}

// SetupChi builds the route tree.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())
	r.Use(middleware.PrometheusMetrics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/health", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APISecurityHeaders())

		// Ingestion
		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimit())
			r.Post("/webhooks/jellyfin", router.handler.JellyfinWebhook)
			r.Post("/events", router.handler.PublishEvent)
		})

		r.Route("/destinations", func(r chi.Router) {
			r.Get("/", router.handler.Destinations)
			r.Get("/{id}", router.handler.Destination)
			r.Put("/{id}/enabled", router.handler.SetDestinationEnabled)
			r.Put("/{id}/grouping", router.handler.SetDestinationGrouping)
		})

		r.Get("/items/{id}", router.handler.Item)

		r.Post("/sync", router.handler.TriggerSync)
		r.Get("/sync/status", router.handler.SyncStatus)

		r.Get("/pending-deletions", router.handler.PendingDeletionList)

		r.Get("/deadletter", router.handler.DeadLetterList)
		r.Post("/deadletter/{id}/replay", router.handler.DeadLetterReplay)

		r.Get("/stream", router.handler.Stream)
	})

	return r
}
