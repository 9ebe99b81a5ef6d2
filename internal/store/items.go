// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

const itemColumns = `id, kind, name, series_name, season_number, episode_number, year, overview, path, attributes, last_seen, last_modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.MediaItem, error) {
	var (
		item      models.MediaItem
		attrs     []byte
		lastSeen  int64
		lastModif int64
	)
	if err := row.Scan(&item.ID, &item.Kind, &item.Name, &item.SeriesName, &item.SeasonNumber,
		&item.EpisodeNumber, &item.Year, &item.Overview, &item.Path, &attrs, &lastSeen, &lastModif); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &item.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes for %s: %w", item.ID, err)
	}
	item.LastSeen = time.UnixMilli(lastSeen).UTC()
	item.LastModified = time.UnixMilli(lastModif).UTC()
	return &item, nil
}

// GetItem returns the stored snapshot for id, or ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id string) (*models.MediaItem, error) {
	start := time.Now()
	item, err := scanItem(s.reader.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStoreOp("get", time.Since(start), nil)
		return nil, ErrNotFound
	}
	metrics.RecordStoreOp("get", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: get item %s: %w", ErrStorage, id, err)
	}
	return item, nil
}

// UpsertItem inserts or replaces the snapshot for item.ID.
func (s *Store) UpsertItem(ctx context.Context, item *models.MediaItem) error {
	if item.ID == "" {
		return fmt.Errorf("upsert item: empty id")
	}
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes for %s: %w", item.ID, err)
	}

	start := time.Now()
	_, err = s.writer.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			series_name = excluded.series_name,
			season_number = excluded.season_number,
			episode_number = excluded.episode_number,
			year = excluded.year,
			overview = excluded.overview,
			path = excluded.path,
			attributes = excluded.attributes,
			last_seen = excluded.last_seen,
			last_modified = excluded.last_modified`,
		item.ID, item.Kind, item.Name, item.SeriesName, item.SeasonNumber, item.EpisodeNumber,
		item.Year, item.Overview, item.Path, string(attrs),
		item.LastSeen.UnixMilli(), item.LastModified.UnixMilli())
	metrics.RecordStoreOp("upsert", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: upsert item %s: %w", ErrStorage, item.ID, err)
	}
	return nil
}

// UpdatePath records a new file path without touching the technical snapshot.
func (s *Store) UpdatePath(ctx context.Context, id, path string, seen time.Time) error {
	start := time.Now()
	res, err := s.writer.ExecContext(ctx,
		`UPDATE items SET path = ?, last_seen = ? WHERE id = ?`, path, seen.UnixMilli(), id)
	metrics.RecordStoreOp("update_path", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: update path %s: %w", ErrStorage, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSeen bumps last_seen for a set of ids in one transaction. The sweep
// uses it so settled items cost a single write per batch.
func (s *Store) MarkSeen(ctx context.Context, ids []string, seen time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE items SET last_seen = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		ms := seen.UnixMilli()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, ms, id); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordStoreOp("mark_seen", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: mark seen: %w", ErrStorage, err)
	}
	return nil
}

// DeleteItem removes the snapshot for id. Deleting a missing id is not an error.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.writer.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	metrics.RecordStoreOp("delete", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: delete item %s: %w", ErrStorage, id, err)
	}
	return nil
}

// ListItems returns snapshots ordered by id, starting after the given id.
// Pass an empty afterID for the first page.
func (s *Store) ListItems(ctx context.Context, afterID string, limit int) ([]models.MediaItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	start := time.Now()
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		metrics.RecordStoreOp("list", time.Since(start), err)
		return nil, fmt.Errorf("%w: list items: %w", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]models.MediaItem, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			metrics.RecordStoreOp("list", time.Since(start), err)
			return nil, fmt.Errorf("%w: scan item: %w", ErrStorage, err)
		}
		items = append(items, *item)
	}
	err = rows.Err()
	metrics.RecordStoreOp("list", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: list items: %w", ErrStorage, err)
	}
	return items, nil
}

// CountItems returns the number of stored snapshots.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count items: %w", ErrStorage, err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
