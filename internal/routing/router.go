// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package routing maps decisions to destinations and batches them
// according to each destination's grouping policy.
package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// Router resolves a destination per notification and feeds the batcher.
// The lookup table is swapped atomically on reload; changes apply to
// notifications routed afterwards and to batches opened afterwards.
type Router struct {
	table   atomic.Pointer[Table]
	writeMu sync.Mutex
	batcher *Batcher
}

// New creates a router over cfg that dispatches into d.
func New(cfg *config.RoutingConfig, d Dispatcher) *Router {
	r := &Router{batcher: NewBatcher(d)}
	r.table.Store(NewTable(cfg))
	return r
}

// Route sends n to its destination. ErrNoDestination is returned, and
// counted, when nothing enabled is reachable.
func (r *Router) Route(n models.Notification) error {
	category := n.Category()
	dest, path, err := r.table.Load().Resolve(category)
	if err != nil {
		metrics.RoutingDropped.WithLabelValues(string(category)).Inc()
		logging.Warn().Str("item_id", n.Item.ID).Str("category", string(category)).
			Str("decision", n.Decision.String()).Msg("Notification dropped: no enabled destination")
		return err
	}
	metrics.RoutingDecisions.WithLabelValues(string(category), dest.ID, string(path)).Inc()
	if err := r.batcher.Add(dest, n); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Table returns the current lookup table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Reload replaces the lookup table.
func (r *Router) Reload(cfg *config.RoutingConfig) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.table.Store(NewTable(cfg))
	logging.Info().Int("destinations", len(cfg.Destinations)).Msg("Routing table reloaded")
}

// SetEnabled enables or disables a destination.
func (r *Router) SetEnabled(id string, enabled bool) error {
	return r.update(id, func(d *Destination) { d.Enabled = enabled })
}

// SetGrouping replaces a destination's grouping policy.
func (r *Router) SetGrouping(id string, g Grouping) error {
	if g.Mode == "" {
		g.Mode = GroupNone
	}
	if g.Enabled() && g.Delay <= 0 {
		g.Delay = defaultBatchDelay
	}
	return r.update(id, func(d *Destination) { d.Grouping = g })
}

func (r *Router) update(id string, fn func(*Destination)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next, err := r.table.Load().with(id, fn)
	if err != nil {
		return err
	}
	r.table.Store(next)
	return nil
}

// PendingBatched returns notifications waiting in open batches.
func (r *Router) PendingBatched() int {
	return r.batcher.Pending()
}

// Run drives batch delay timers until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.batcher.Run(ctx)
}

// String implements fmt.Stringer for the supervisor.
func (r *Router) String() string {
	return "router"
}
