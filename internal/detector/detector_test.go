// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package detector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/store"
)

// memStore is an in-memory SnapshotStore that counts writes.
type memStore struct {
	mu     sync.Mutex
	items  map[string]models.MediaItem
	writes atomic.Int32
	fail   error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]models.MediaItem)}
}

func (m *memStore) GetItem(_ context.Context, id string) (*models.MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	it, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &it, nil
}

func (m *memStore) UpsertItem(_ context.Context, item *models.MediaItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes.Add(1)
	m.items[item.ID] = *item
	return nil
}

func (m *memStore) UpdatePath(_ context.Context, id, path string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes.Add(1)
	it, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	it.Path = path
	it.LastSeen = seen
	m.items[id] = it
	return nil
}

func defaultWatch() config.DetectorConfig {
	return config.DetectorConfig{
		WatchResolution:    true,
		WatchVideoCodec:    true,
		WatchAudioCodec:    true,
		WatchAudioChannels: true,
		WatchHDR:           true,
		SupportedKinds:     []string{"Movie", "Episode", "Audio"},
	}
}

func movie(height int) models.MediaItem {
	return models.MediaItem{
		ID:       "m1",
		Kind:     "Movie",
		Name:     "Heat",
		Overview: "A group of professional bank robbers...",
		Path:     "/movies/Heat.mkv",
		Attributes: models.TechnicalAttributes{
			Height:        height,
			VideoCodec:    "h264",
			AudioCodec:    "ac3",
			AudioChannels: 6,
			FileSize:      1000,
		},
	}
}

func TestDetect_NewThenUnchanged(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()

	res, err := d.Detect(ctx, movie(1080))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != NewItem || !res.Notify() || res.Decision() != models.DecisionNew {
		t.Fatalf("first sighting = %v, want NewItem", res.Outcome)
	}

	writes := ms.writes.Load()
	res, err = d.Detect(ctx, movie(1080))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != Unchanged || res.Notify() {
		t.Errorf("identical fetch = %v, want Unchanged", res.Outcome)
	}
	if ms.writes.Load() != writes {
		t.Error("Unchanged must not write the store")
	}
}

func TestDetect_ResolutionUpgrade(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()
	_, _ = d.Detect(ctx, movie(1080))

	res, err := d.Detect(ctx, movie(2160))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Outcome != Upgraded {
		t.Fatalf("outcome = %v, want Upgraded", res.Outcome)
	}
	if len(res.Changes) != 1 {
		t.Fatalf("changes = %+v, want exactly one", res.Changes)
	}
	c := res.Changes[0]
	if c.Kind != models.ChangeResolution || c.OldValue != "1080" || c.NewValue != "2160" {
		t.Errorf("change = %+v", c)
	}
	if res.Previous == nil || res.Previous.Attributes.Height != 1080 {
		t.Error("Previous snapshot not returned")
	}
	stored, _ := ms.GetItem(ctx, "m1")
	if stored.Attributes.Height != 2160 {
		t.Errorf("snapshot height = %d, want 2160", stored.Attributes.Height)
	}
}

func TestDetect_UnwatchedDriftIsUnchanged(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()
	_, _ = d.Detect(ctx, movie(1080))

	edited := movie(1080)
	edited.Overview = "Rewritten plot text"
	edited.Name = "Heat (Director's Cut)"
	edited.Attributes.FileSize = 2000 // not watched by default
	edited.Attributes.Bitrate = 12_000_000

	res, err := d.Detect(ctx, edited)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Unchanged || len(res.Changes) != 0 {
		t.Errorf("outcome = %v changes = %v, want Unchanged", res.Outcome, res.Changes)
	}
}

func TestDetect_Rename(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()
	_, _ = d.Detect(ctx, movie(1080))

	moved := movie(1080)
	moved.Path = "/movies/Heat (1995)/Heat.mkv"
	res, err := d.Detect(ctx, moved)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Ignored || res.Reason != ReasonRename {
		t.Errorf("outcome = %v (%s), want Ignored(rename)", res.Outcome, res.Reason)
	}
	stored, _ := ms.GetItem(ctx, "m1")
	if stored.Path != moved.Path {
		t.Errorf("stored path = %q, want %q", stored.Path, moved.Path)
	}
}

func TestDetect_FirstPathIsNotRename(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()
	pathless := movie(1080)
	pathless.Path = ""
	_, _ = d.Detect(ctx, pathless)

	res, err := d.Detect(ctx, movie(1080))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Unchanged {
		t.Errorf("outcome = %v (%s), want Unchanged", res.Outcome, res.Reason)
	}
	stored, _ := ms.GetItem(ctx, "m1")
	if stored.Path != movie(1080).Path {
		t.Errorf("stored path = %q, want the reported path recorded", stored.Path)
	}
}

func TestLockItem_BlocksDetect(t *testing.T) {
	d := New(newMemStore(), defaultWatch())
	unlock := d.LockItem("m1")

	done := make(chan struct{})
	go func() {
		_, _ = d.Detect(context.Background(), movie(1080))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Detect ran while the item lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Detect did not resume after unlock")
	}
}

func TestDetect_Classification(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.TechnicalAttributes)
		outcome Outcome
		reason  string
		kinds   []models.ChangeKind
	}{
		{
			name:    "resolution decrease",
			mutate:  func(a *models.TechnicalAttributes) { a.Height = 720 },
			outcome: Ignored,
			reason:  ReasonDowngrade,
		},
		{
			name:    "fewer channels",
			mutate:  func(a *models.TechnicalAttributes) { a.AudioChannels = 2 },
			outcome: Ignored,
			reason:  ReasonDowngrade,
		},
		{
			name:    "more channels",
			mutate:  func(a *models.TechnicalAttributes) { a.AudioChannels = 8 },
			outcome: Upgraded,
			kinds:   []models.ChangeKind{models.ChangeAudioChannels},
		},
		{
			name:    "hdr gained",
			mutate:  func(a *models.TechnicalAttributes) { a.HDR = true; a.HDRType = "HDR10" },
			outcome: Upgraded,
			kinds:   []models.ChangeKind{models.ChangeHDRStatus},
		},
		{
			name:    "codec case only",
			mutate:  func(a *models.TechnicalAttributes) { a.VideoCodec = "H264" },
			outcome: Unchanged,
		},
		{
			name: "several changes in stable order",
			mutate: func(a *models.TechnicalAttributes) {
				a.AudioChannels = 8
				a.AudioCodec = "truehd"
				a.VideoCodec = "hevc"
				a.Height = 2160
			},
			outcome: Upgraded,
			kinds: []models.ChangeKind{
				models.ChangeResolution, models.ChangeVideoCodec,
				models.ChangeAudioCodec, models.ChangeAudioChannels,
			},
		},
		{
			name: "downgrade hidden behind codec change",
			mutate: func(a *models.TechnicalAttributes) {
				a.Height = 720
				a.VideoCodec = "av1"
			},
			outcome: Upgraded,
			kinds:   []models.ChangeKind{models.ChangeVideoCodec},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMemStore()
			d := New(ms, defaultWatch())
			ctx := context.Background()
			_, _ = d.Detect(ctx, movie(1080))

			next := movie(1080)
			tt.mutate(&next.Attributes)
			res, err := d.Detect(ctx, next)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.outcome {
				t.Fatalf("outcome = %v, want %v", res.Outcome, tt.outcome)
			}
			if tt.reason != "" && res.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.reason)
			}
			if len(res.Changes) != len(tt.kinds) {
				t.Fatalf("changes = %+v, want kinds %v", res.Changes, tt.kinds)
			}
			for i, k := range tt.kinds {
				if res.Changes[i].Kind != k {
					t.Errorf("change[%d] = %v, want %v", i, res.Changes[i].Kind, k)
				}
			}
		})
	}
}

func TestDetect_IgnoredStillUpdatesSnapshot(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()
	_, _ = d.Detect(ctx, movie(2160))
	_, _ = d.Detect(ctx, movie(1080))

	stored, _ := ms.GetItem(ctx, "m1")
	if stored.Attributes.Height != 1080 {
		t.Errorf("snapshot height = %d, want 1080", stored.Attributes.Height)
	}
	// Returning to 2160 is now an upgrade against the stored 1080.
	res, _ := d.Detect(ctx, movie(2160))
	if res.Outcome != Upgraded {
		t.Errorf("outcome = %v, want Upgraded", res.Outcome)
	}
}

func TestDetect_WatchToggles(t *testing.T) {
	watch := defaultWatch()
	watch.WatchResolution = false
	watch.WatchFileSize = true
	ms := newMemStore()
	d := New(ms, watch)
	ctx := context.Background()
	_, _ = d.Detect(ctx, movie(1080))

	res, _ := d.Detect(ctx, movie(2160))
	if res.Outcome != Unchanged {
		t.Errorf("unwatched resolution change = %v, want Unchanged", res.Outcome)
	}

	bigger := movie(2160)
	bigger.Attributes.FileSize = 5000
	res, _ = d.Detect(ctx, bigger)
	if res.Outcome != Upgraded || res.Changes[0].Kind != models.ChangeFileSize {
		t.Errorf("file size change = %v %+v", res.Outcome, res.Changes)
	}
}

func TestDetect_UnsupportedKind(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	folder := movie(0)
	folder.Kind = "Season"

	res, err := d.Detect(context.Background(), folder)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Ignored || res.Reason != ReasonUnsupportedKind {
		t.Errorf("outcome = %v (%s)", res.Outcome, res.Reason)
	}
	if ms.writes.Load() != 0 {
		t.Error("unsupported kinds must not be stored")
	}
}

func TestDetect_StoreError(t *testing.T) {
	ms := newMemStore()
	ms.fail = errors.Join(store.ErrStorage, errors.New("disk full"))
	d := New(ms, defaultWatch())

	_, err := d.Detect(context.Background(), movie(1080))
	if !errors.Is(err, store.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
}

func TestDetect_SameIDSerialized(t *testing.T) {
	ms := newMemStore()
	d := New(ms, defaultWatch())
	ctx := context.Background()

	var wg sync.WaitGroup
	var newCount atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Detect(ctx, movie(1080))
			if err != nil {
				t.Error(err)
				return
			}
			if res.Outcome == NewItem {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := newCount.Load(); n != 1 {
		t.Errorf("NewItem reported %d times for one id, want 1", n)
	}
	if d.locks.len() != 0 {
		t.Errorf("keyed locks leaked: %d", d.locks.len())
	}
}

func TestDetect_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "herald.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	d := New(s, defaultWatch())
	if res, _ := d.Detect(ctx, movie(1080)); res.Outcome != NewItem {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res, _ := d.Detect(ctx, movie(1080)); res.Outcome != Unchanged {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	res, err := d.Detect(ctx, movie(2160))
	if err != nil || res.Outcome != Upgraded || len(res.Changes) != 1 {
		t.Fatalf("upgrade = %v %+v %v", res.Outcome, res.Changes, err)
	}
}

func TestFingerprint(t *testing.T) {
	watch := defaultWatch()
	watch.WatchExternalIDs = true

	a := movie(1080).Attributes
	a.ExternalIDs = map[string]string{"Imdb": "tt1", "Tmdb": "2"}
	b := a
	b.ExternalIDs = map[string]string{"Tmdb": "2", "Imdb": "tt1"}
	if Fingerprint(&a, &watch) != Fingerprint(&b, &watch) {
		t.Error("fingerprint depends on map order")
	}

	b.Bitrate = 999
	if Fingerprint(&a, &watch) != Fingerprint(&b, &watch) {
		t.Error("unwatched bitrate changed the fingerprint")
	}

	b.ExternalIDs = map[string]string{"Imdb": "tt9", "Tmdb": "2"}
	if Fingerprint(&a, &watch) == Fingerprint(&b, &watch) {
		t.Error("external id change not reflected")
	}
}

func TestDiff_ExternalIDs(t *testing.T) {
	watch := config.DetectorConfig{WatchExternalIDs: true}
	old := models.TechnicalAttributes{ExternalIDs: map[string]string{"Imdb": "tt1", "Tvdb": "5"}}
	cur := models.TechnicalAttributes{ExternalIDs: map[string]string{"imdb": "tt1", "Tmdb": "7"}}

	changes := Diff(&old, &cur, &watch)
	if len(changes) != 2 {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].Field != "external_ids.tmdb" || changes[0].NewValue != "7" {
		t.Errorf("changes[0] = %+v", changes[0])
	}
	if changes[1].Field != "external_ids.tvdb" || changes[1].OldValue != "5" || changes[1].NewValue != "" {
		t.Errorf("changes[1] = %+v", changes[1])
	}
}
