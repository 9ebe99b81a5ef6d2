// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "herald.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func sampleItem(id string) *models.MediaItem {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.MediaItem{
		ID:   id,
		Kind: "Movie",
		Name: "Heat",
		Year: 1995,
		Path: "/movies/Heat (1995)/Heat.mkv",
		Attributes: models.TechnicalAttributes{
			Height:        1080,
			Width:         1920,
			VideoCodec:    "h264",
			AudioCodec:    "ac3",
			AudioChannels: 6,
			FileSize:      8_000_000_000,
			ExternalIDs:   map[string]string{"Imdb": "tt0113277"},
		},
		LastSeen:     now,
		LastModified: now,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_WALMode(t *testing.T) {
	s := openTestStore(t)
	var mode string
	if err := s.reader.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetItem(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	in := sampleItem("abc")

	if err := s.UpsertItem(ctx, in); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	got, err := s.GetItem(ctx, "abc")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Name != in.Name || got.Path != in.Path || got.Year != in.Year {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.Attributes.Height != 1080 || got.Attributes.AudioChannels != 6 || got.Attributes.ExternalIDs["Imdb"] != "tt0113277" {
		t.Errorf("attributes mismatch: %+v", got.Attributes)
	}
	if !got.LastModified.Equal(in.LastModified) {
		t.Errorf("LastModified = %v, want %v", got.LastModified, in.LastModified)
	}

	in.Attributes.Height = 2160
	in.LastModified = in.LastModified.Add(time.Hour)
	if err := s.UpsertItem(ctx, in); err != nil {
		t.Fatalf("second UpsertItem: %v", err)
	}
	got, _ = s.GetItem(ctx, "abc")
	if got.Attributes.Height != 2160 {
		t.Errorf("Height after update = %d, want 2160", got.Attributes.Height)
	}
	if n, _ := s.CountItems(ctx); n != 1 {
		t.Errorf("CountItems = %d, want 1", n)
	}
}

func TestUpdatePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertItem(ctx, sampleItem("abc")); err != nil {
		t.Fatal(err)
	}

	seen := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if err := s.UpdatePath(ctx, "abc", "/movies/Heat.1995.mkv", seen); err != nil {
		t.Fatalf("UpdatePath: %v", err)
	}
	got, _ := s.GetItem(ctx, "abc")
	if got.Path != "/movies/Heat.1995.mkv" || !got.LastSeen.Equal(seen) {
		t.Errorf("path/seen = %q %v", got.Path, got.LastSeen)
	}
	if got.Attributes.Height != 1080 {
		t.Error("UpdatePath touched technical attributes")
	}

	if err := s.UpdatePath(ctx, "missing", "/x", seen); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePath(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.UpsertItem(ctx, sampleItem("abc"))

	if err := s.DeleteItem(ctx, "abc"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, err := s.GetItem(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("item still present after delete: %v", err)
	}
	if err := s.DeleteItem(ctx, "abc"); err != nil {
		t.Errorf("deleting a missing item = %v, want nil", err)
	}
}

func TestListItems_Pagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.UpsertItem(ctx, sampleItem(fmt.Sprintf("item-%02d", i))); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.ListItems(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page) != 2 || page[0].ID != "item-00" || page[1].ID != "item-01" {
		t.Fatalf("first page = %v", ids(page))
	}
	page, _ = s.ListItems(ctx, page[1].ID, 10)
	if len(page) != 3 || page[0].ID != "item-02" {
		t.Errorf("second page = %v", ids(page))
	}
}

func TestMarkSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.UpsertItem(ctx, sampleItem("a"))
	_ = s.UpsertItem(ctx, sampleItem("b"))

	seen := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := s.MarkSeen(ctx, []string{"a", "b", "missing"}, seen); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		got, _ := s.GetItem(ctx, id)
		if !got.LastSeen.Equal(seen) {
			t.Errorf("%s LastSeen = %v, want %v", id, got.LastSeen, seen)
		}
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.UpsertItem(ctx, sampleItem("seed"))

	var wg sync.WaitGroup
	errCh := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := s.UpsertItem(ctx, sampleItem(fmt.Sprintf("w%d-%d", w, i))); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := s.GetItem(ctx, "seed"); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent access: %v", err)
	}
	if n, _ := s.CountItems(ctx); n != 41 {
		t.Errorf("CountItems = %d, want 41", n)
	}
}

func ids(items []models.MediaItem) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].ID
	}
	return out
}
