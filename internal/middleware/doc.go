// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package middleware provides HTTP middleware shared by the API router.

  - RequestID: X-Request-ID propagation plus request and correlation ids in
    the logging context, so every log line of a webhook and of the pipeline
    run it triggers can be joined
  - PrometheusMetrics: request count and latency per method, chi route
    pattern and status

Both are plain func(http.Handler) http.Handler and can be passed to chi's
Use:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)

Route labels come from the chi route pattern ("/api/v1/items/{id}"), never
the raw path, so label cardinality stays bounded. Requests that match no
route are recorded as "unmatched".
*/
package middleware
