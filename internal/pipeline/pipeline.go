// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package pipeline turns library events into routed notifications.
//
// Deletions are held by the disambiguator for the grace window. Additions
// clear any pending deletion for the same id, fetch the item from the
// catalog, run the change detector, enrich notify-worthy results and hand
// them to the router. The reconciliation sweep enters through ProcessItem
// and shares the addition path after the catalog fetch; snapshots it no
// longer finds in the catalog enter the deletion path through
// ProcessMissing.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/herald/internal/catalog"
	"github.com/tomtom215/herald/internal/detector"
	"github.com/tomtom215/herald/internal/disambiguator"
	"github.com/tomtom215/herald/internal/enrich"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/routing"
	"github.com/tomtom215/herald/internal/store"
)

// ItemStore is the part of the snapshot store the pipeline touches directly.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (*models.MediaItem, error)
	DeleteItem(ctx context.Context, id string) error
}

// Notifier receives notify-worthy decisions.
type Notifier interface {
	Route(n models.Notification) error
}

// Deps are the collaborators of a Pipeline. Enricher may be nil.
type Deps struct {
	Store    ItemStore
	Catalog  catalog.Client
	Detector *detector.Detector
	Enricher enrich.Enricher
	Notifier Notifier
}

// Pipeline is safe for concurrent use. Per-item ordering is provided by the
// detector's keyed lock and the disambiguator's table. A confirmed deletion
// runs under the same keyed lock, so an addition racing the expiry is
// classified after the snapshot is gone and comes out as NewItem.
type Pipeline struct {
	store    ItemStore
	catalog  catalog.Client
	detector *detector.Detector
	enricher enrich.Enricher
	notifier Notifier
	gate     *disambiguator.Disambiguator
	now      func() time.Time
}

// New creates a pipeline whose deletion grace window is grace.
func New(deps Deps, grace time.Duration) *Pipeline {
	p := &Pipeline{
		store:    deps.Store,
		catalog:  deps.Catalog,
		detector: deps.Detector,
		enricher: deps.Enricher,
		notifier: deps.Notifier,
		now:      time.Now,
	}
	if p.enricher == nil {
		p.enricher = enrich.Nop{}
	}
	var opts []disambiguator.Option
	if p.detector != nil {
		opts = append(opts, disambiguator.WithItemLock(p.detector.LockItem))
	}
	p.gate = disambiguator.New(grace, p.confirmDeletion, opts...)
	return p
}

// Disambiguator returns the pending-deletion table. Its Run loop must be
// started for deletions to ever be confirmed.
func (p *Pipeline) Disambiguator() *disambiguator.Disambiguator {
	return p.gate
}

// Process handles one inbound event. The returned error is non-nil only for
// storage failures, which the caller should treat as retryable. Catalog
// failures and unroutable decisions are logged, counted and swallowed.
func (p *Pipeline) Process(ctx context.Context, ev models.LibraryEvent) error {
	ctx = logging.ContextWithItemID(ctx, ev.ItemID)
	switch ev.Kind {
	case models.EventDeleted:
		return p.deleted(ctx, ev)
	case models.EventAdded:
		_, err := p.added(ctx, ev.ItemID)
		return err
	default:
		logging.Ctx(ctx).Warn().Str("kind", string(ev.Kind)).Msg("Ignoring event of unknown kind")
		return nil
	}
}

func (p *Pipeline) deleted(ctx context.Context, ev models.LibraryEvent) error {
	snap, err := p.store.GetItem(ctx, ev.ItemID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Never seen: keep what the event told us so the notification has a name.
		snap = &models.MediaItem{ID: ev.ItemID, Kind: ev.ItemKind, Name: ev.Name}
	case err != nil:
		return err
	}
	p.gate.OnDeleted(*snap)
	return nil
}

func (p *Pipeline) added(ctx context.Context, id string) (detector.Result, error) {
	p.gate.OnAdded(id)

	item, err := p.catalog.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			metrics.PipelineDrops.WithLabelValues("not_found").Inc()
			logging.Ctx(ctx).Debug().Msg("Item no longer in catalog, dropping event")
		} else {
			metrics.PipelineDrops.WithLabelValues("catalog_error").Inc()
			logging.Ctx(ctx).Warn().Err(err).Msg("Item fetch failed, dropping event")
		}
		return detector.Result{}, nil
	}
	return p.classify(ctx, *item)
}

// ProcessItem runs an already fetched item through the addition path. The
// reconciliation sweep uses it so a sweep behaves exactly like a replay of
// live additions.
func (p *Pipeline) ProcessItem(ctx context.Context, item models.MediaItem) (detector.Result, error) {
	ctx = logging.ContextWithItemID(ctx, item.ID)
	p.gate.OnAdded(item.ID)
	return p.classify(ctx, item)
}

// ProcessMissing records a deletion for a snapshot the catalog no longer
// lists. It waits out the grace window like a live deletion, so a re-add in
// the meantime cancels it. An id already pending keeps its original timer.
func (p *Pipeline) ProcessMissing(ctx context.Context, snapshot models.MediaItem) error {
	if p.gate.IsPending(snapshot.ID) {
		return nil
	}
	logging.Ctx(logging.ContextWithItemID(ctx, snapshot.ID)).Info().
		Str("title", snapshot.DisplayTitle()).
		Msg("Stored item missing from catalog, treating as deleted")
	p.gate.OnDeleted(snapshot)
	return nil
}

func (p *Pipeline) classify(ctx context.Context, item models.MediaItem) (detector.Result, error) {
	res, err := p.detector.Detect(ctx, item)
	if err != nil {
		return res, err
	}
	if !res.Notify() {
		return res, nil
	}

	n := models.Notification{
		Decision:  res.Decision(),
		Item:      res.Item,
		Changes:   res.Changes,
		CreatedAt: p.now().UTC(),
	}
	n.Enrichment = p.enricher.Enrich(ctx, &n.Item)
	p.route(ctx, n)
	return res, nil
}

// confirmDeletion runs on the disambiguator goroutine when a grace window
// elapses without a matching addition. The disambiguator holds the item's
// detector lock for the duration.
func (p *Pipeline) confirmDeletion(ctx context.Context, d disambiguator.Deletion) {
	ctx = logging.ContextWithItemID(ctx, d.ItemID)
	if err := p.store.DeleteItem(ctx, d.ItemID); err != nil {
		// The notification still goes out; a stale snapshot only means a
		// later re-add is classified against it instead of as new.
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to remove snapshot of deleted item")
	}
	p.route(ctx, models.Notification{
		Decision:  models.DecisionDeleted,
		Item:      d.Snapshot,
		CreatedAt: p.now().UTC(),
	})
}

func (p *Pipeline) route(ctx context.Context, n models.Notification) {
	if err := p.notifier.Route(n); err != nil {
		if errors.Is(err, routing.ErrNoDestination) {
			metrics.PipelineDrops.WithLabelValues("unrouted").Inc()
			return
		}
		logging.Ctx(ctx).Warn().Err(err).Str("decision", n.Decision.String()).Msg("Failed to route notification")
		return
	}
	logging.Ctx(ctx).Info().
		Str("decision", n.Decision.String()).
		Str("title", n.Item.DisplayTitle()).
		Int("changes", len(n.Changes)).
		Msg("Notification routed")
}
