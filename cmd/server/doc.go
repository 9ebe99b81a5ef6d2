// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package main is the entry point for the Herald server.

Herald watches a Jellyfin library and posts a Discord notification when
something is added, upgraded or removed. Events arrive through the
Jellyfin webhook plugin, the Jellyfin websocket, the public events
endpoint and the periodic reconciliation sweep; all of them go through the
same pipeline:

	ingest -> event bus -> pipeline -> disambiguator -> router -> delivery queue

# Process Layout

Every long-running component runs under a Suture v4 supervisor tree:

	RootSupervisor ("herald")
	├── DataSupervisor ("data-layer")
	│   └── Dead-letter GC
	├── MessagingSupervisor ("messaging-layer")
	│   ├── Event bus            (critical)
	│   ├── Delivery manager     (critical)
	│   ├── Router batcher
	│   ├── Deletion disambiguator
	│   ├── Live stream hub
	│   ├── Library sync         (optional)
	│   ├── Jellyfin websocket   (optional)
	│   └── Template watcher     (optional)
	└── APISupervisor ("api-layer")
	    └── HTTP server

A critical component that fails terminates the tree and the process exits
non-zero so the container runtime restarts it. Other components are
restarted with backoff.

# Configuration

Configuration is layered with Koanf v2 (highest priority wins):

  - Environment variables
  - Config file (CONFIG_PATH, ./config.yaml or /etc/herald/config.yaml)
  - Built-in defaults

When a config file is in use, edits to routing, destinations, detector
settings, the grace window and the log level are applied without a
restart.

# Example Usage

	export JELLYFIN_URL=http://jellyfin:8096
	export JELLYFIN_API_KEY=your-api-key
	export DISCORD_WEBHOOK_URL=https://discord.com/api/webhooks/...
	./herald

# Signal Handling

SIGINT and SIGTERM cancel the root context. The HTTP server stops accepting
requests, delivery queues drain what is ready within queue.drain_timeout,
and the stores are closed.
*/
package main
