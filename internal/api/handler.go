// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/delivery"
	"github.com/tomtom215/herald/internal/disambiguator"
	"github.com/tomtom215/herald/internal/librarysync"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/routing"
)

// EventPublisher hands a validated event to the pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.LibraryEvent) error
}

// ItemStore reads last-known snapshots.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (*models.MediaItem, error)
	CountItems(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// RoutingControl changes destination settings at runtime.
type RoutingControl interface {
	Table() *routing.Table
	SetEnabled(id string, enabled bool) error
	SetGrouping(id string, g routing.Grouping) error
}

// QueueStats reports per-destination delivery statistics.
type QueueStats interface {
	Stats() []delivery.QueueStats
}

// Sweeper starts and reports reconciliation sweeps.
type Sweeper interface {
	TriggerSweep() error
	Status() librarysync.Status
}

// PendingDeletions lists deletions waiting out their grace window.
type PendingDeletions interface {
	Pending() []disambiguator.Deletion
}

// DeadLetters is the read and delete side of the dead-letter archive.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Get(ctx context.Context, id string) (*deadletter.Entry, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Replayer re-enqueues a dead-letter entry.
type Replayer interface {
	Replay(e *deadletter.Entry) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Publisher, Items,
// Routing and Queues are required; the rest may be nil, in which case their
// endpoints answer 503.
type Deps struct {
	Publisher     EventPublisher
	Items         ItemStore
	Routing       RoutingControl
	Queues        QueueStats
	Sweeper       Sweeper
	Pending       PendingDeletions
	DeadLetters   DeadLetters
	Replayer      Replayer
	Stream        http.Handler
	WebhookSecret string
	Version       string
}

// Handler holds the HTTP handlers.
type Handler struct {
	deps      Deps
	startTime time.Time
}

// NewHandler creates the handlers.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, startTime: time.Now()}
}
