// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package delivery sends routed notifications to chat webhooks.
//
// Each destination owns a Queue: a bounded FIFO drained by one sender that
// honours the destination's rate limits, pauses on 429 responses, and retries
// other failures with exponential backoff. Tasks that fail terminally go to
// the dead-letter archive when one is configured.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/routing"
)

// Manager owns one Queue per destination and implements routing.Dispatcher.
type Manager struct {
	cfg      config.QueueConfig
	sender   Sender
	renderer Renderer
	archive  Archiver

	mu      sync.RWMutex
	queues  map[string]*Queue
	running context.Context
	wg      sync.WaitGroup
}

var _ routing.Dispatcher = (*Manager)(nil)

// NewManager creates queues for dests. archive may be nil.
func NewManager(cfg config.QueueConfig, dests []config.DestinationConfig, sender Sender, renderer Renderer, archive Archiver) *Manager {
	m := &Manager{
		cfg:      cfg,
		sender:   sender,
		renderer: renderer,
		archive:  archive,
		queues:   make(map[string]*Queue, len(dests)),
	}
	for _, d := range dests {
		m.queues[d.ID] = NewQueue(d, cfg, sender, renderer, archive)
	}
	return m
}

// Dispatch implements routing.Dispatcher.
func (m *Manager) Dispatch(destinationID string, batch []models.Notification) error {
	q := m.Queue(destinationID)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destinationID)
	}
	return q.Enqueue(NewTask(destinationID, batch))
}

// Queue returns the queue for id, or nil.
func (m *Manager) Queue(id string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[id]
}

// Stats returns per-destination statistics sorted by destination id.
func (m *Manager) Stats() []QueueStats {
	m.mu.RLock()
	out := make([]QueueStats, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.Stats())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Replay re-enqueues a dead-letter entry as a fresh task. A stored payload
// is sent as-is; otherwise the notifications are rendered again.
func (m *Manager) Replay(e *deadletter.Entry) (string, error) {
	q := m.Queue(e.Destination)
	if q == nil {
		metrics.DeadLetterReplays.WithLabelValues("unknown_destination").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnknownDestination, e.Destination)
	}
	t := NewTask(e.Destination, e.Notifications)
	if len(e.Payload) > 0 {
		t.Payload = append([]byte(nil), e.Payload...)
	}
	if err := q.Enqueue(t); err != nil {
		metrics.DeadLetterReplays.WithLabelValues("rejected").Inc()
		return "", err
	}
	metrics.DeadLetterReplays.WithLabelValues("queued").Inc()
	return t.ID, nil
}

// Reload applies new destination settings. Existing queues keep their
// tasks; new destinations get a queue, started at once if Run is active.
// Queues for removed destinations stay until shutdown but receive no new
// work from the router.
func (m *Manager) Reload(dests []config.DestinationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range dests {
		if q, ok := m.queues[d.ID]; ok {
			q.UpdateDestination(d)
			continue
		}
		q := NewQueue(d, m.cfg, m.sender, m.renderer, m.archive)
		m.queues[d.ID] = q
		if m.running != nil {
			m.start(m.running, q)
		}
	}
}

// Run starts every queue sender and blocks until ctx is canceled and all
// queues have drained.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = ctx
	for _, q := range m.queues {
		m.start(ctx, q)
	}
	n := len(m.queues)
	m.mu.Unlock()

	logging.Info().Int("destinations", n).Msg("Delivery queues started")
	<-ctx.Done()
	m.wg.Wait()
	logging.Info().Msg("Delivery queues drained")
	return nil
}

func (m *Manager) start(ctx context.Context, q *Queue) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := q.Run(ctx); err != nil {
			logging.Error().Err(err).Str("destination", q.ID()).Msg("Delivery queue stopped with error")
		}
	}()
}

func (m *Manager) String() string { return "delivery-manager" }
