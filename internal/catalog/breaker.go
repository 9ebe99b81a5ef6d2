// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// BreakerSettings tunes the circuit breaker. Zero values take the defaults
// used in production.
type BreakerSettings struct {
	Name        string
	MaxRequests uint32        // requests allowed while half-open
	Interval    time.Duration // closed-state count reset
	Timeout     time.Duration // open -> half-open
	MinRequests uint32
	FailRatio   float64
}

func (s *BreakerSettings) withDefaults() {
	if s.Name == "" {
		s.Name = "jellyfin-api"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = 2 * time.Minute
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.FailRatio == 0 {
		s.FailRatio = 0.6
	}
}

// BreakerClient wraps a Client with a circuit breaker so an unavailable
// media server fails fast instead of stalling every event. ErrNotFound is a
// normal answer and does not count against the breaker. Rejected calls
// return ErrTransient.
type BreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker[interface{}]
	name   string
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps client.
func NewBreakerClient(client Client, s BreakerSettings) *BreakerClient {
	s.withDefaults()
	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= s.FailRatio {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", ratio*100).
					Msg("[CIRCUIT BREAKER] Opening catalog circuit")
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("[CIRCUIT BREAKER] Catalog state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &BreakerClient{client: client, cb: cb, name: s.Name}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *BreakerClient) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if errors.Is(err, ErrNotFound) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// GetItem implements Client.
func (b *BreakerClient) GetItem(ctx context.Context, id string) (*models.MediaItem, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.GetItem(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	item, ok := result.(*models.MediaItem)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for GetItem")
	}
	return item, nil
}

// ListItems implements Client.
func (b *BreakerClient) ListItems(ctx context.Context, start, limit int) (*ItemPage, error) {
	result, err := b.execute(func() (interface{}, error) {
		return b.client.ListItems(ctx, start, limit)
	})
	if err != nil {
		return nil, err
	}
	page, ok := result.(*ItemPage)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for ListItems")
	}
	return page, nil
}

// Ping implements Client.
func (b *BreakerClient) Ping(ctx context.Context) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx)
	})
	return err
}

// State returns the breaker state.
func (b *BreakerClient) State() gobreaker.State { return b.cb.State() }
