// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package routing

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// Dispatcher hands a flushed batch (or a single ungrouped notification) to
// a destination's outbound queue.
type Dispatcher interface {
	Dispatch(destinationID string, batch []models.Notification) error
}

type batchKey struct {
	dest  string
	group string
}

type batch struct {
	items    []models.Notification
	maxItems int
	gen      uint64
	timer    *time.Timer
}

type flushReq struct {
	key batchKey
	gen uint64
}

// Batcher accumulates grouped notifications per (destination, group key)
// and flushes a batch when its delay elapses or it reaches max items,
// whichever is first.
type Batcher struct {
	mu       sync.Mutex
	batches  map[batchKey]*batch
	nextGen  uint64
	dispatch Dispatcher

	flushCh  chan flushReq
	done     chan struct{}
	stopOnce sync.Once
}

// NewBatcher creates a batcher that flushes into d.
func NewBatcher(d Dispatcher) *Batcher {
	return &Batcher{
		batches:  make(map[batchKey]*batch),
		dispatch: d,
		flushCh:  make(chan flushReq, 64),
		done:     make(chan struct{}),
	}
}

// Add routes n to dest. Ungrouped destinations dispatch immediately. For
// grouped destinations the call that fills a batch to max items flushes
// it synchronously, without waiting for the delay.
func (b *Batcher) Add(dest *Destination, n models.Notification) error {
	g := dest.Grouping
	if !g.Enabled() {
		return b.dispatch.Dispatch(dest.ID, []models.Notification{n})
	}

	key := batchKey{dest: dest.ID, group: g.Key(&n)}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return context.Canceled
	default:
	}
	bt, ok := b.batches[key]
	if !ok {
		b.nextGen++
		gen := b.nextGen
		bt = &batch{maxItems: g.MaxItems, gen: gen}
		bt.timer = time.AfterFunc(g.Delay, func() {
			select {
			case b.flushCh <- flushReq{key: key, gen: gen}:
			case <-b.done:
			}
		})
		b.batches[key] = bt
	}
	bt.items = append(bt.items, n)

	if bt.maxItems > 0 && len(bt.items) >= bt.maxItems {
		bt.timer.Stop()
		delete(b.batches, key)
		items := bt.items
		b.mu.Unlock()
		return b.flush(key, items, "max_items")
	}
	b.mu.Unlock()
	return nil
}

// Run flushes batches whose delay elapsed until ctx is cancelled, then
// discards open batches. Any other exit keeps them for a restarted Run.
func (b *Batcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return ctx.Err()
		case <-b.done:
			return nil
		case req := <-b.flushCh:
			b.mu.Lock()
			bt, ok := b.batches[req.key]
			if !ok || bt.gen != req.gen {
				b.mu.Unlock()
				continue
			}
			delete(b.batches, req.key)
			b.mu.Unlock()
			if err := b.flush(req.key, bt.items, "delay"); err != nil {
				logging.Warn().Err(err).Str("destination", req.key.dest).Str("group", req.key.group).
					Int("items", len(bt.items)).Msg("Batch flush rejected")
			}
		}
	}
}

func (b *Batcher) flush(key batchKey, items []models.Notification, trigger string) error {
	metrics.BatchFlushes.WithLabelValues(key.dest, trigger).Inc()
	metrics.BatchSize.Observe(float64(len(items)))
	logging.Debug().Str("destination", key.dest).Str("group", key.group).
		Str("trigger", trigger).Int("items", len(items)).Msg("Flushing batch")
	return b.dispatch.Dispatch(key.dest, items)
}

// Pending returns the number of notifications waiting in open batches.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bt := range b.batches {
		n += len(bt.items)
	}
	return n
}

// Stop cancels every batch timer and discards open batches.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.done)
		discarded := 0
		for k, bt := range b.batches {
			bt.timer.Stop()
			discarded += len(bt.items)
			delete(b.batches, k)
		}
		if discarded > 0 {
			logging.Info().Int("discarded", discarded).Msg("Open batches discarded on shutdown")
		}
	})
}
