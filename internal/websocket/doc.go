// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package websocket serves the live notification stream.

Every notification the pipeline routes is also pushed to clients connected
to GET /api/v1/stream, along with a summary when a reconciliation sweep
finishes. The stream is read-only: clients may send {"type":"ping"} and get
a pong back, anything else is ignored.

The hub is a single broadcaster with one buffered send channel per client:

	pipeline ──► Hub.BroadcastNotification ──► broadcast queue
	                                              │
	                          ┌───────────────────┼───────────────────┐
	                          ▼                   ▼                   ▼
	                      Client 1            Client 2            Client 3
	                   (read + write pump)

Broadcasting never blocks the caller. When the hub queue is full the
message is dropped; when a client's buffer is full that client is
disconnected. Both are counted in herald_stream_dropped_total.

Frames are JSON:

	{"type":"notification","data":{...},"timestamp":"2026-01-02T15:04:05Z"}
	{"type":"sweep_completed","data":{...},"timestamp":"..."}

The hub runs under the supervisor's messaging layer; on shutdown every
client receives a close frame.
*/
package websocket
