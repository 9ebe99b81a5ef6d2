// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package deadletter archives notification tasks that failed terminally so
// an operator can inspect and replay them.
//
// Entries live in BadgerDB with a native TTL; expired entries disappear on
// their own and value-log GC reclaims the space.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

var (
	ErrNotFound = errors.New("dead-letter entry not found")
	ErrClosed   = errors.New("dead-letter archive closed")
)

const keyPrefix = "dl:"

// Entry is one archived task.
type Entry struct {
	ID            string                `json:"id"`
	TaskID        string                `json:"task_id"`
	Destination   string                `json:"destination"`
	Notifications []models.Notification `json:"notifications"`
	Payload       json.RawMessage       `json:"payload,omitempty"`
	Attempts      int                   `json:"attempts"`
	LastError     string                `json:"last_error"`
	ErrorCode     string                `json:"error_code,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	FailedAt      time.Time             `json:"failed_at"`
}

// Config holds archive settings.
type Config struct {
	Path       string
	InMemory   bool
	Retention  time.Duration
	GCInterval time.Duration
	GCRatio    float64
}

// Archive is the BadgerDB-backed dead-letter store.
type Archive struct {
	db     *badger.DB
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the archive.
func Open(cfg Config) (*Archive, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.GCRatio <= 0 || cfg.GCRatio >= 1 {
		cfg.GCRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("dead-letter path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = nil
	opts.NumCompactors = 2
	opts.MemTableSize = 8 << 20
	opts.ValueLogFileSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	a := &Archive{db: db, cfg: cfg}
	if n, err := a.Count(context.Background()); err == nil {
		metrics.DeadLetterEntries.Set(float64(n))
	}
	logging.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).
		Dur("retention", cfg.Retention).Msg("Dead-letter archive opened")
	return a, nil
}

// Add archives e and returns its id. An id and FailedAt are assigned when
// unset.
func (a *Archive) Add(ctx context.Context, e Entry) (string, error) {
	if err := a.checkOpen(); err != nil {
		return "", err
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		e.ID = id.String()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+e.ID), data).WithTTL(a.cfg.Retention))
	})
	if err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}

	metrics.DeadLetterAdded.Inc()
	metrics.DeadLetterEntries.Inc()
	logging.Warn().Str("deadletter_id", e.ID).Str("destination", e.Destination).
		Int("attempts", e.Attempts).Str("error", e.LastError).Msg("Task archived to dead-letter")
	return e.ID, nil
}

// Get returns one entry.
func (a *Archive) Get(ctx context.Context, id string) (*Entry, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	var e Entry
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns up to limit entries, oldest first. Ids are time-ordered so
// key order is failure order.
func (a *Archive) List(ctx context.Context, limit int) ([]Entry, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	entries := make([]Entry, 0)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(entries) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable dead-letter entry")
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Delete removes an entry.
func (a *Archive) Delete(ctx context.Context, id string) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	key := []byte(keyPrefix + id)
	err := a.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}
	metrics.DeadLetterEntries.Dec()
	return nil
}

// Count returns the number of live entries.
func (a *Archive) Count(ctx context.Context) (int, error) {
	if err := a.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RunGC reclaims value-log space until badger reports nothing to rewrite.
func (a *Archive) RunGC() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.cfg.InMemory {
		return nil
	}
	for {
		err := a.db.RunValueLogGC(a.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Run performs periodic GC and refreshes the entry gauge until ctx ends.
func (a *Archive) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Dead-letter GC failed")
			}
			if n, err := a.Count(ctx); err == nil {
				metrics.DeadLetterEntries.Set(float64(n))
			}
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (a *Archive) String() string {
	return "deadletter-retention"
}

// Close closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func (a *Archive) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}
