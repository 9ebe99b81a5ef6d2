// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package supervisor runs Herald's long-lived components under a suture v4
supervisor tree.

	herald
	├── data-layer       dead-letter retention (badger value-log GC)
	├── messaging-layer  event bus, router batcher, delivery queues,
	│                    disambiguator, live stream hub, library sync,
	│                    websocket listener, template watcher
	└── api-layer        HTTP server

Each layer restarts its own children with backoff; a crash in the
websocket listener does not take down webhook ingestion. On shutdown every
service sees its context canceled at once and has ShutdownTimeout to
return. Delivery queues bound their own drain with queue.drain_timeout;
the server sizes ShutdownTimeout to cover it.

Components expose Run(ctx) error and are adapted with
services.NewRunnerService. Supervisor events are logged through
sutureslog into the zerolog-backed slog handler.
*/
package supervisor
