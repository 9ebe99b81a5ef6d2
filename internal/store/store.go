// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package store persists the last-known technical snapshot of every media
// item in a single SQLite file.
//
// The file runs in WAL mode. Writes go through a pool capped at one
// connection, so there is exactly one writer at a time; reads use a
// separate pool and proceed while a write transaction is open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomtom215/herald/internal/logging"
)

var (
	// ErrNotFound is returned when no snapshot exists for an item id.
	ErrNotFound = errors.New("item not found")

	// ErrStorage wraps every failure of the underlying database. Callers
	// treat it as retryable at the ingestion layer.
	ErrStorage = errors.New("storage error")
)

// Config holds store settings.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	MaxReaders  int
}

// Store is the SQLite-backed item snapshot table.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// Open creates or opens the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxReaders <= 0 {
		cfg.MaxReaders = 4
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dsn := buildDSN(cfg.Path, cfg.BusyTimeout)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if _, err := writer.ExecContext(ctx, schema); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(cfg.MaxReaders)
	reader.SetMaxIdleConns(cfg.MaxReaders)

	s := &Store{writer: writer, reader: reader, path: cfg.Path}

	var mode string
	if err := reader.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err == nil {
		logging.Info().Str("path", cfg.Path).Str("journal_mode", mode).Msg("Item store opened")
	}
	return s, nil
}

// buildDSN encodes the pragmas every pooled connection must run on open.
func buildDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	series_name    TEXT NOT NULL DEFAULT '',
	season_number  INTEGER NOT NULL DEFAULT 0,
	episode_number INTEGER NOT NULL DEFAULT 0,
	year           INTEGER NOT NULL DEFAULT 0,
	overview       TEXT NOT NULL DEFAULT '',
	path           TEXT NOT NULL DEFAULT '',
	attributes     TEXT NOT NULL,
	last_seen      INTEGER NOT NULL,
	last_modified  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind);
CREATE INDEX IF NOT EXISTS idx_items_last_seen ON items(last_seen);
`

// Ping checks both pools.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: writer: %w", ErrStorage, err)
	}
	if err := s.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: reader: %w", ErrStorage, err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes both pools.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint item store before close")
	}
	rerr := s.reader.Close()
	werr := s.writer.Close()
	return errors.Join(werr, rerr)
}
