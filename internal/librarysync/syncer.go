// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

/*
Package librarysync runs the reconciliation sweep.

A sweep pages through the whole catalog and feeds every item through the
same path a live addition takes, so an item whose webhook was missed is
still detected. Items the detector reports as unchanged produce no
notification; their last-seen time is bumped in one write per page so a
sweep never holds the store's writer for long.

After a complete walk, stored snapshots the catalog no longer lists and
that were last seen before the sweep started are handed to the deletion
path, so a missed deletion webhook is still announced once the grace
window passes. A walk that failed, or that found an empty catalog, prunes
nothing.

Sweeps are single-flight per process. The periodic schedule, the optional
startup run and manual triggers all go through the same guard, and a
trigger that finds a sweep running gets ErrSweepInProgress.
*/
package librarysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/herald/internal/catalog"
	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/detector"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Processor classifies one catalog item the way a live addition would, and
// takes snapshots the catalog no longer lists down the deletion path.
type Processor interface {
	ProcessItem(ctx context.Context, item models.MediaItem) (detector.Result, error)
	ProcessMissing(ctx context.Context, snapshot models.MediaItem) error
}

// Snapshots is the part of the item store a sweep reads and touches.
type Snapshots interface {
	MarkSeen(ctx context.Context, ids []string, seen time.Time) error
	ListItems(ctx context.Context, afterID string, limit int) ([]models.MediaItem, error)
}

// Trigger names what started a sweep.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Report summarizes one sweep.
type Report struct {
	Trigger    Trigger       `json:"trigger"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	Items      int           `json:"items"`
	Notified   int           `json:"notified"`
	Unchanged  int           `json:"unchanged"`
	Ignored    int           `json:"ignored"`
	Missing    int           `json:"missing"`
	Errors     int           `json:"errors"`
	Error      string        `json:"error,omitempty"`
}

// Status is the externally visible sweep state.
type Status struct {
	Running bool      `json:"running"`
	Next    time.Time `json:"next_run,omitempty"`
	Last    *Report   `json:"last,omitempty"`
}

// Syncer owns the sweep schedule.
type Syncer struct {
	cfg     config.SyncConfig
	catalog catalog.Client
	proc    Processor
	store   Snapshots

	running atomic.Bool
	wg      sync.WaitGroup

	mu          sync.RWMutex
	last        *Report
	next        time.Time
	baseCtx     context.Context
	onCompleted func(Report)

	now func() time.Time
}

// New creates a syncer. The schedule, when set, is validated here.
func New(cfg config.SyncConfig, client catalog.Client, proc Processor, snapshots Snapshots) (*Syncer, error) {
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.Schedule, err)
		}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Syncer{
		cfg:     cfg,
		catalog: client,
		proc:    proc,
		store:   snapshots,
		baseCtx: context.Background(),
		now:     time.Now,
	}, nil
}

// Run drives the schedule until ctx is canceled, then waits for a sweep in
// progress to notice the cancellation.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	defer s.wg.Wait()

	interval := s.cfg.Schedule == "" && s.cfg.Interval > 0
	if interval {
		s.setNext(s.now().Add(s.cfg.Interval))
	}
	if s.cfg.RunOnStartup {
		s.launch(ctx, TriggerStartup)
	}

	if s.cfg.Schedule != "" {
		return s.runCron(ctx)
	}
	if !interval {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.setNext(s.now().Add(s.cfg.Interval))
			s.launch(ctx, TriggerSchedule)
		}
	}
}

func (s *Syncer) runCron(ctx context.Context) error {
	l := cronLogger{}
	c := cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l)))
	id, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx, TriggerSchedule); err != nil && !errors.Is(err, ErrSweepInProgress) {
			logging.Error().Err(err).Msg("Scheduled sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	s.setNext(c.Entry(id).Next)
	logging.Info().Str("schedule", s.cfg.Schedule).Time("next", c.Entry(id).Next).Msg("Library sync scheduled")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			return nil
		case <-ticker.C:
			s.setNext(c.Entry(id).Next)
		}
	}
}

func (s *Syncer) String() string { return "library-sync" }

// TriggerSweep starts a sweep in the background and returns immediately.
// It fails with ErrSweepInProgress when a sweep is already running.
func (s *Syncer) TriggerSweep() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.sweep(ctx, TriggerManual); err != nil {
			logging.Error().Err(err).Msg("Manual sweep failed")
		}
	}()
	return nil
}

// launch is TriggerSweep for the schedule: an overlap is logged and skipped.
func (s *Syncer) launch(ctx context.Context, trigger Trigger) {
	if !s.running.CompareAndSwap(false, true) {
		logging.Info().Str("trigger", string(trigger)).Msg("Sweep skipped, previous sweep still running")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.sweep(ctx, trigger); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Str("trigger", string(trigger)).Msg("Sweep failed")
		}
	}()
}

// Sweep runs one sweep synchronously.
func (s *Syncer) Sweep(ctx context.Context, trigger Trigger) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)
	return s.sweep(ctx, trigger)
}

// SetOnSweepCompleted registers a callback run after every sweep, failed
// or not. It must not block.
func (s *Syncer) SetOnSweepCompleted(fn func(Report)) {
	s.mu.Lock()
	s.onCompleted = fn
	s.mu.Unlock()
}

// Status returns the current sweep state.
func (s *Syncer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Running: s.running.Load(), Next: s.next}
	if s.last != nil {
		r := *s.last
		st.Last = &r
	}
	return st
}

func (s *Syncer) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Syncer) sweep(ctx context.Context, trigger Trigger) (*Report, error) {
	r := &Report{Trigger: trigger, StartedAt: s.now().UTC()}
	log := logging.With().Str("trigger", string(trigger)).Logger()
	log.Info().Msg("Library sweep started")

	seen := make(map[string]struct{})
	err := s.walk(ctx, r, seen)
	if err == nil {
		err = s.prune(ctx, r, seen)
	}

	r.FinishedAt = s.now().UTC()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
	if err != nil {
		r.Error = err.Error()
	}
	metrics.RecordSync(r.Duration, r.Items, err)

	s.mu.Lock()
	s.last = r
	notify := s.onCompleted
	s.mu.Unlock()
	if notify != nil {
		notify(*r)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("items", r.Items).
		Int("notified", r.Notified).
		Int("unchanged", r.Unchanged).
		Int("ignored", r.Ignored).
		Int("missing", r.Missing).
		Int("errors", r.Errors).
		Dur("duration", r.Duration).
		Msg("Library sweep finished")
	return r, err
}

// walk pages through the catalog. Per-item failures are counted and the
// sweep continues; a failed page fetch ends it.
func (s *Syncer) walk(ctx context.Context, r *Report, seen map[string]struct{}) error {
	size := s.cfg.BatchSize
	for start := 0; ; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.catalog.ListItems(ctx, start, size)
		if err != nil {
			return fmt.Errorf("failed to list catalog items (start=%d): %w", start, err)
		}

		unchanged := make([]string, 0, len(page.Items))
		for i := range page.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.Items++
			seen[page.Items[i].ID] = struct{}{}
			res, err := s.proc.ProcessItem(ctx, page.Items[i])
			if err != nil {
				r.Errors++
				metrics.SyncErrors.WithLabelValues("item").Inc()
				logging.Warn().Err(err).Str("item_id", page.Items[i].ID).Msg("Sweep item failed")
				continue
			}
			switch res.Outcome {
			case detector.NewItem, detector.Upgraded:
				r.Notified++
			case detector.Unchanged:
				r.Unchanged++
				unchanged = append(unchanged, page.Items[i].ID)
			case detector.Ignored:
				r.Ignored++
			}
		}
		if len(unchanged) > 0 {
			if err := s.store.MarkSeen(ctx, unchanged, s.now().UTC()); err != nil {
				r.Errors++
				metrics.SyncErrors.WithLabelValues("item").Inc()
				logging.Warn().Err(err).Int("items", len(unchanged)).Msg("Failed to mark items seen")
			}
		}

		logging.Debug().Int("start", start).Int("batch", len(page.Items)).Int("total", page.Total).Msg("Sweep page processed")
		if start+size >= page.Total {
			return nil
		}

		if s.cfg.BatchDelay > 0 {
			t := time.NewTimer(s.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// prune pages the stored snapshots and sends every one missing from seen
// down the deletion path. Snapshots written after the sweep started belong
// to live additions the walk may have passed already, and are kept.
func (s *Syncer) prune(ctx context.Context, r *Report, seen map[string]struct{}) error {
	if r.Items == 0 {
		logging.Warn().Msg("Catalog listed no items, skipping missing-item check")
		return nil
	}
	started := r.StartedAt.Truncate(time.Millisecond)
	size := min(s.cfg.BatchSize, 1000)
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		snaps, err := s.store.ListItems(ctx, after, size)
		if err != nil {
			return fmt.Errorf("failed to list stored items (after=%q): %w", after, err)
		}
		for i := range snaps {
			snap := snaps[i]
			if _, ok := seen[snap.ID]; ok || !snap.LastSeen.Before(started) {
				continue
			}
			if err := s.proc.ProcessMissing(ctx, snap); err != nil {
				r.Errors++
				metrics.SyncErrors.WithLabelValues("item").Inc()
				logging.Warn().Err(err).Str("item_id", snap.ID).Msg("Sweep failed to record missing item")
				continue
			}
			r.Missing++
		}
		if len(snaps) < size {
			return nil
		}
		after = snaps[len(snaps)-1].ID
	}
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
