// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package disambiguator holds deletions for a grace window so that a
// delete followed by a re-add of the same item (how media servers report a
// file replacement) is not announced as a removal.
//
// Per item id the states are Absent, Pending and Resolved. A deletion moves
// Absent to Pending and arms a timer. An addition for a pending id resolves
// it as an upgrade and the deletion is swallowed. Timer expiry resolves it
// as a true delete and the expiry callback receives the snapshot captured
// at deletion time.
//
// Timers never touch the pending table themselves. They post an expiry
// message carrying the entry generation to the Run loop, which drops the
// message if the entry was cleared or replaced in the meantime.
//
// WithItemLock lets the owner serialize an expiry with its own per-id work:
// the lock is held from removing the entry until the expiry callback
// returns, so an addition for the same id either clears the entry first or
// waits until the deletion is fully applied.
package disambiguator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// Deletion is a pending deletion.
type Deletion struct {
	ItemID    string           `json:"item_id"`
	DeletedAt time.Time        `json:"deleted_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Snapshot  models.MediaItem `json:"snapshot"`
}

// ExpireFunc handles a deletion whose grace window elapsed without a
// matching addition.
type ExpireFunc func(ctx context.Context, d Deletion)

type entry struct {
	deletion Deletion
	gen      uint64
	timer    *time.Timer
}

// Option configures a Disambiguator.
type Option func(*Disambiguator)

// WithItemLock sets the per-id lock held around each expiry. lock returns
// the release func.
func WithItemLock(lock func(id string) func()) Option {
	return func(d *Disambiguator) {
		d.lock = lock
	}
}

type expiry struct {
	id  string
	gen uint64
}

// Disambiguator is the pending-deletion table.
type Disambiguator struct {
	mu      sync.Mutex
	grace   time.Duration
	pending map[string]*entry
	nextGen uint64

	expired  chan expiry
	done     chan struct{}
	stopOnce sync.Once
	onExpire ExpireFunc
	lock     func(id string) func()
	now      func() time.Time
}

// New creates a disambiguator. onExpire runs on the Run goroutine, one
// deletion at a time.
func New(grace time.Duration, onExpire ExpireFunc, opts ...Option) *Disambiguator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	d := &Disambiguator{
		grace:    grace,
		pending:  make(map[string]*entry),
		expired:  make(chan expiry, 64),
		done:     make(chan struct{}),
		onExpire: onExpire,
		lock:     func(string) func() { return func() {} },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetGraceWindow changes the window for deletions recorded from now on.
func (d *Disambiguator) SetGraceWindow(grace time.Duration) {
	if grace <= 0 {
		return
	}
	d.mu.Lock()
	d.grace = grace
	d.mu.Unlock()
}

// OnDeleted records a deletion. A second deletion for an id that is already
// pending replaces the snapshot and restarts the timer.
func (d *Disambiguator) OnDeleted(snapshot models.MediaItem) {
	id := snapshot.ID
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return
	default:
	}

	if old, ok := d.pending[id]; ok {
		old.timer.Stop()
		metrics.DeletionResolutions.WithLabelValues("replaced").Inc()
	}

	d.nextGen++
	gen := d.nextGen
	now := d.now().UTC()
	e := &entry{
		deletion: Deletion{ItemID: id, DeletedAt: now, ExpiresAt: now.Add(d.grace), Snapshot: snapshot},
		gen:      gen,
	}
	e.timer = time.AfterFunc(d.grace, func() {
		select {
		case d.expired <- expiry{id: id, gen: gen}:
		case <-d.done:
		}
	})
	d.pending[id] = e
	metrics.PendingDeletions.Set(float64(len(d.pending)))

	logging.Debug().Str("item_id", id).Dur("grace", d.grace).Msg("Deletion pending")
}

// OnAdded clears any pending deletion for id and reports whether one was
// cleared. Additions always continue through the pipeline either way.
func (d *Disambiguator) OnAdded(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.pending, id)
	metrics.PendingDeletions.Set(float64(len(d.pending)))
	metrics.DeletionResolutions.WithLabelValues("upgrade").Inc()

	logging.Info().Str("item_id", id).
		Dur("after", d.now().Sub(e.deletion.DeletedAt)).
		Msg("Deletion resolved as replacement")
	return true
}

// Pending returns the pending deletions ordered by deletion time.
func (d *Disambiguator) Pending() []Deletion {
	d.mu.Lock()
	out := make([]Deletion, 0, len(d.pending))
	for _, e := range d.pending {
		out = append(out, e.deletion)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeletedAt.Equal(out[j].DeletedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].DeletedAt.Before(out[j].DeletedAt)
	})
	return out
}

// IsPending reports whether id has a deletion waiting out its grace window.
func (d *Disambiguator) IsPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// Len returns the number of pending deletions.
func (d *Disambiguator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run processes expiries until ctx is cancelled, then cancels every pending
// timer without emitting its deletion. Any other exit leaves the table
// intact so a restarted Run picks up where this one stopped.
func (d *Disambiguator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return ctx.Err()
		case <-d.done:
			return nil
		case ex := <-d.expired:
			d.expire(ctx, ex)
		}
	}
}

func (d *Disambiguator) expire(ctx context.Context, ex expiry) {
	unlock := d.lock(ex.id)
	defer unlock()

	del, ok := d.take(ex)
	if !ok {
		return
	}
	metrics.DeletionResolutions.WithLabelValues("true_delete").Inc()
	logging.Info().Str("item_id", del.ItemID).Str("name", del.Snapshot.Name).Msg("Deletion confirmed")
	if d.onExpire != nil {
		d.onExpire(ctx, del)
	}
}

// take removes the entry named by ex if it is still the same generation.
func (d *Disambiguator) take(ex expiry) (Deletion, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.pending[ex.id]
	if !ok || e.gen != ex.gen {
		return Deletion{}, false
	}
	delete(d.pending, ex.id)
	metrics.PendingDeletions.Set(float64(len(d.pending)))
	return e.deletion, true
}

// Stop cancels all timers and discards pending deletions. It is safe to call
// more than once.
func (d *Disambiguator) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		close(d.done)
		n := len(d.pending)
		for id, e := range d.pending {
			e.timer.Stop()
			delete(d.pending, id)
		}
		metrics.PendingDeletions.Set(0)
		if n > 0 {
			logging.Info().Int("discarded", n).Msg("Pending deletions discarded on shutdown")
		}
	})
}

// String implements fmt.Stringer for the supervisor.
func (d *Disambiguator) String() string {
	return "disambiguator"
}
