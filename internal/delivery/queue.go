// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/deadletter"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
)

// defaultRetryAfter applies when a 429 carries no usable retry hint.
const defaultRetryAfter = time.Second

// archiveTimeout bounds writes to the dead-letter archive.
const archiveTimeout = 5 * time.Second

// Archiver stores terminally failed tasks.
type Archiver interface {
	Add(ctx context.Context, e deadletter.Entry) (string, error)
}

// QueueStats is a point-in-time view of one destination queue.
type QueueStats struct {
	Destination   string     `json:"destination"`
	Enabled       bool       `json:"enabled"`
	Depth         int        `json:"depth"`
	Capacity      int        `json:"capacity"`
	Queued        int64      `json:"queued"`
	Sent          int64      `json:"sent"`
	Failed        int64      `json:"failed"`
	Retried       int64      `json:"retried"`
	Dropped       int64      `json:"dropped"`
	RateLimitHits int64      `json:"rate_limit_hits"`
	LastError     string     `json:"last_error,omitempty"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
	PausedUntil   *time.Time `json:"paused_until,omitempty"`
}

// Queue is the bounded outbound FIFO for one destination, drained by a
// single sender goroutine (Run).
//
// Tasks leave in enqueue order. A task that failed waits at the tail until
// its backoff elapses; tasks behind it that are ready go first. Over
// capacity, new tasks are refused and already accepted work is kept.
type Queue struct {
	dest     atomic.Pointer[config.DestinationConfig]
	opts     config.QueueConfig
	backoff  Backoff
	sender   Sender
	renderer Renderer
	archive  Archiver
	logger   zerolog.Logger

	limiter       *rate.Limiter
	minuteLimiter *rate.Limiter

	mu          sync.Mutex
	tasks       []*Task
	closed      bool
	pausedUntil time.Time
	stats       QueueStats
	notify      chan struct{}
}

// NewQueue creates the queue for dest. archive may be nil.
func NewQueue(dest config.DestinationConfig, opts config.QueueConfig, sender Sender, renderer Renderer, archive Archiver) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if renderer == nil {
		renderer = EmbedRenderer{}
	}
	primary, perMinute := limits(dest.RateLimit)
	q := &Queue{
		opts:          opts,
		backoff:       Backoff{Base: opts.BackoffBase, Max: opts.BackoffMax, Jitter: opts.JitterFraction},
		sender:        sender,
		renderer:      renderer,
		archive:       archive,
		logger:        logging.WithComponent("delivery").With().Str("destination", dest.ID).Logger(),
		limiter:       rate.NewLimiter(primary, 1),
		minuteLimiter: rate.NewLimiter(perMinute, 1),
		notify:        make(chan struct{}, 1),
	}
	q.dest.Store(&dest)
	q.stats.Destination = dest.ID
	q.stats.Capacity = opts.Capacity
	return q
}

// limits converts a destination's published limits into limiter rates.
// Both buckets hold a single token so that no burst can exceed the
// configured count in any window of the configured length.
func limits(rl config.RateLimitConfig) (primary, perMinute rate.Limit) {
	primary, perMinute = rate.Inf, rate.Inf
	if rl.Requests > 0 && rl.Period > 0 {
		primary = rate.Every(rl.Period / time.Duration(rl.Requests))
	}
	if rl.PerMinute > 0 {
		perMinute = rate.Every(time.Minute / time.Duration(rl.PerMinute))
	}
	return primary, perMinute
}

// ID returns the destination id.
func (q *Queue) ID() string { return q.dest.Load().ID }

// Destination returns the current destination settings.
func (q *Queue) Destination() config.DestinationConfig { return *q.dest.Load() }

// UpdateDestination applies new settings. Tasks rendered before the update
// keep their payload.
func (q *Queue) UpdateDestination(dest config.DestinationConfig) {
	q.dest.Store(&dest)
	primary, perMinute := limits(dest.RateLimit)
	q.limiter.SetLimit(primary)
	q.minuteLimiter.SetLimit(perMinute)
}

// Enqueue appends t to the queue. It returns ErrQueueFull when the queue is
// at capacity and ErrQueueClosed after shutdown began.
func (q *Queue) Enqueue(t *Task) error {
	id := q.ID()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.tasks) >= q.opts.Capacity {
		q.stats.Dropped++
		q.mu.Unlock()
		metrics.TasksDropped.WithLabelValues(id).Inc()
		q.logger.Warn().Str("task_id", t.ID).Int("capacity", q.opts.Capacity).Msg("Queue full, task rejected")
		return ErrQueueFull
	}
	t.Destination = id
	t.State = TaskQueued
	q.tasks = append(q.tasks, t)
	q.stats.Queued++
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.TasksQueued.WithLabelValues(id).Inc()
	metrics.QueueDepth.WithLabelValues(id).Set(float64(depth))
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks held, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns copies of the held tasks in queue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Stats returns the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.tasks)
	s.Enabled = q.dest.Load().Enabled
	if !q.pausedUntil.IsZero() && q.pausedUntil.After(time.Now()) {
		p := q.pausedUntil
		s.PausedUntil = &p
	}
	return s
}

// Run sends tasks until ctx is canceled, then drains ready tasks for up to
// the configured drain timeout. Backoff waits still pending at shutdown are
// abandoned.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug().Msg("Queue sender started")
	for {
		task, wait := q.next(time.Now())
		if task == nil {
			var timer *time.Timer
			var fire <-chan time.Time
			if wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			}
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return q.drain(ctx)
			case <-q.notify:
			case <-fire:
			}
			if timer != nil {
				timer.Stop()
			}
			continue
		}

		if err := q.waitTurn(ctx); err != nil {
			q.release(task)
			return q.drain(ctx)
		}
		q.attempt(ctx, task, false)
	}
}

func (q *Queue) String() string { return "delivery-queue-" + q.ID() }

// next claims the first ready task in queue order. When none is ready it
// returns the wait until the earliest backoff expires, or 0 when the queue
// is empty.
func (q *Queue) next(now time.Time) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var wait time.Duration
	for _, t := range q.tasks {
		if t.State == TaskInFlight {
			continue
		}
		if t.readyAt.After(now) {
			if d := t.readyAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		t.State = TaskInFlight
		return t, 0
	}
	return nil, wait
}

// waitTurn blocks until a sink-imposed pause has passed and both rate
// buckets yield a token.
func (q *Queue) waitTurn(ctx context.Context) error {
	for {
		q.mu.Lock()
		until := q.pausedUntil
		q.mu.Unlock()
		d := time.Until(until)
		if d <= 0 {
			break
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := q.minuteLimiter.Wait(ctx); err != nil {
		return err
	}
	return q.limiter.Wait(ctx)
}

// pause holds the sender until now+d unless a later pause is already set.
func (q *Queue) pause(d time.Duration) {
	until := time.Now().Add(d)
	q.mu.Lock()
	if until.After(q.pausedUntil) {
		q.pausedUntil = until
	}
	q.mu.Unlock()
}

// release returns a claimed task to its slot without counting an attempt.
func (q *Queue) release(t *Task) {
	q.mu.Lock()
	if t.Attempts > 0 {
		t.State = TaskAwaitingRetry
	} else {
		t.State = TaskQueued
	}
	q.mu.Unlock()
}

// attempt sends t once. A failed final attempt is not requeued regardless of
// the attempts left; the drain uses it.
func (q *Queue) attempt(ctx context.Context, t *Task, final bool) {
	dest := q.dest.Load()
	log := q.logger.With().Str("task_id", t.ID).Int("items", len(t.Notifications)).Logger()

	if t.Payload == nil {
		payload, err := q.renderer.Render(&RenderContext{
			Destination:   *dest,
			Notifications: t.Notifications,
			GeneratedAt:   time.Now(),
		})
		if err != nil {
			if !errors.Is(err, ErrTemplate) {
				err = errors.Join(ErrTemplate, err)
			}
			log.Error().Err(err).Msg("Payload render failed, task abandoned")
			q.finishFailed(t, "template", ErrorCodeTemplate, err.Error())
			return
		}
		q.mu.Lock()
		t.Payload = payload
		q.mu.Unlock()
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.SendTimeout)
	res := q.sender.Send(sendCtx, dest.URL, t.Payload)
	cancel()
	metrics.DeliveryDuration.WithLabelValues(dest.ID).Observe(res.Duration.Seconds())

	if res.RateLimitRemaining == 0 && res.RateLimitReset > 0 {
		q.pause(res.RateLimitReset)
	}

	switch {
	case res.Success:
		q.finishDelivered(t)
		log.Debug().Dur("duration", res.Duration).Msg("Notification delivered")

	case res.RateLimited():
		wait := defaultRetryAfter
		if res.RetryAfter != nil && *res.RetryAfter > 0 {
			wait = *res.RetryAfter
		}
		q.pause(wait)
		q.mu.Lock()
		q.stats.RateLimitHits++
		q.stats.LastError = res.ErrorMessage
		q.mu.Unlock()
		q.release(t)
		metrics.RateLimitHits.WithLabelValues(dest.ID).Inc()
		log.Warn().Dur("retry_after", wait).Msg("Destination rate limited, pausing sender")

	default:
		q.mu.Lock()
		t.Attempts++
		t.LastError = res.ErrorMessage
		attempts := t.Attempts
		q.mu.Unlock()
		if attempts >= q.opts.MaxAttempts || final {
			log.Error().Int("attempts", attempts).Str("error_code", res.ErrorCode).
				Str("error", res.ErrorMessage).Msg("Delivery failed, giving up")
			q.finishFailed(t, "attempts", res.ErrorCode, res.ErrorMessage)
			return
		}
		delay := q.backoff.Delay(attempts)
		q.requeue(t, delay)
		metrics.TasksRetried.WithLabelValues(dest.ID).Inc()
		log.Warn().Int("attempt", attempts).Dur("backoff", delay).Str("error_code", res.ErrorCode).
			Str("error", res.ErrorMessage).Msg("Delivery failed, will retry")
	}
}

// requeue moves t to the tail, eligible again after delay.
func (q *Queue) requeue(t *Task, delay time.Duration) {
	q.mu.Lock()
	q.removeLocked(t)
	t.State = TaskAwaitingRetry
	t.readyAt = time.Now().Add(delay)
	q.tasks = append(q.tasks, t)
	q.stats.Retried++
	q.stats.LastError = t.LastError
	q.mu.Unlock()
}

func (q *Queue) finishDelivered(t *Task) {
	now := time.Now()
	q.mu.Lock()
	q.removeLocked(t)
	t.State = TaskDelivered
	q.stats.Sent++
	q.stats.LastSentAt = &now
	depth := len(q.tasks)
	q.mu.Unlock()

	id := q.ID()
	metrics.TasksSent.WithLabelValues(id).Inc()
	metrics.QueueDepth.WithLabelValues(id).Set(float64(depth))
}

func (q *Queue) finishFailed(t *Task, reason, code, msg string) {
	q.mu.Lock()
	q.removeLocked(t)
	t.State = TaskFailed
	t.LastError = msg
	q.stats.Failed++
	q.stats.LastError = msg
	depth := len(q.tasks)
	q.mu.Unlock()

	id := q.ID()
	metrics.TasksFailed.WithLabelValues(id, reason).Inc()
	metrics.QueueDepth.WithLabelValues(id).Set(float64(depth))

	if q.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	entryID, err := q.archive.Add(ctx, deadletter.Entry{
		TaskID:        t.ID,
		Destination:   id,
		Notifications: t.Notifications,
		Payload:       t.Payload,
		Attempts:      t.Attempts,
		LastError:     msg,
		ErrorCode:     code,
		CreatedAt:     t.CreatedAt,
		FailedAt:      time.Now(),
	})
	if err != nil {
		q.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to archive failed task")
		return
	}
	q.logger.Info().Str("task_id", t.ID).Str("entry_id", entryID).Msg("Failed task archived")
}

func (q *Queue) removeLocked(t *Task) {
	for i, cur := range q.tasks {
		if cur == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// drain closes the queue to new work and sends tasks that are ready now,
// in order, until the queue empties or the drain timeout passes.
func (q *Queue) drain(parent context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	timeout := q.opts.DrainTimeout
	if timeout <= 0 {
		return q.abandon()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	for {
		task, _ := q.next(time.Now())
		if task == nil {
			break
		}
		if err := q.waitTurn(ctx); err != nil {
			q.release(task)
			break
		}
		q.attempt(ctx, task, true)
	}
	return q.abandon()
}

// abandon discards whatever is left after shutdown.
func (q *Queue) abandon() error {
	q.mu.Lock()
	left := len(q.tasks)
	q.tasks = nil
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(q.ID()).Set(0)
	if left > 0 {
		q.logger.Warn().Int("tasks", left).Msg("Queue stopped with undelivered tasks")
	}
	return nil
}
