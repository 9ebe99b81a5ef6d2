// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/herald/internal/models"
)

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskInFlight
	TaskAwaitingRetry
	TaskDelivered
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskInFlight:
		return "in-flight"
	case TaskAwaitingRetry:
		return "awaiting-retry"
	case TaskDelivered:
		return "delivered"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one outbound delivery: a single notification, or a flushed batch
// rendered as one webhook call.
type Task struct {
	ID            string
	Destination   string
	Notifications []models.Notification
	// Payload is rendered before the first attempt and reused on retries.
	// Replayed dead-letter entries may arrive with it already set.
	Payload   []byte
	Attempts  int
	State     TaskState
	CreatedAt time.Time
	LastError string

	readyAt time.Time
}

// NewTask creates a queued task for dest.
func NewTask(dest string, batch []models.Notification) *Task {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Task{
		ID:            id.String(),
		Destination:   dest,
		Notifications: batch,
		State:         TaskQueued,
		CreatedAt:     time.Now(),
	}
}

// Backoff computes retry delays: base * 2^(attempt-1), capped at Max, plus
// up to Jitter*delay of random extra wait. Below the cap successive delays
// strictly increase because the jitter never exceeds the doubling.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// Delay returns the wait before attempt number attempt+1, where attempt is
// the count of failures so far (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		// Strictly below 1 so jitter cannot close the gap to the next step.
		j := math.Min(b.Jitter, 0.99)
		d += d * j * r()
	}
	return time.Duration(d)
}
