// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package api is Herald's HTTP surface: event ingestion and the operational
endpoints, routed with chi.

Ingestion:

	POST /api/v1/webhooks/jellyfin   Jellyfin webhook plugin payloads
	POST /api/v1/events              {"event":"added"|"deleted","item_id":"..."}

Both accept an optional X-Herald-Signature header (hex HMAC-SHA256 of the
body, optionally prefixed "sha256="). It is required when a webhook secret
is configured. A valid event is published to the event bus and answered
with 202; malformed or invalid bodies get 400 and never reach the pipeline.
Jellyfin notification types other than ItemAdded and ItemDeleted are
acknowledged with 200 and ignored.

Operations:

	GET  /health
	GET  /metrics
	GET  /api/v1/destinations
	PUT  /api/v1/destinations/{id}/enabled
	PUT  /api/v1/destinations/{id}/grouping
	GET  /api/v1/items/{id}
	POST /api/v1/sync
	GET  /api/v1/sync/status
	GET  /api/v1/pending-deletions
	GET  /api/v1/deadletter
	POST /api/v1/deadletter/{id}/replay
	GET  /api/v1/stream                 (websocket, see internal/websocket)

Every JSON response uses the models.APIResponse envelope.

Middleware, in order: request id with logging context, RealIP, Recoverer,
CORS, request metrics. Ingestion routes are additionally rate limited per
client IP with httprate.
*/
package api
