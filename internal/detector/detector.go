// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package detector classifies a freshly fetched media item against its
// stored snapshot.
//
// The outcome is one of NewItem, Upgraded (with the upgrade-worthy changes),
// Unchanged or Ignored (with a reason). The read-compare-write for a single
// item id is serialized; different ids run concurrently.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
	"github.com/tomtom215/herald/internal/store"
)

// Outcome is the detector classification.
type Outcome int

const (
	NewItem Outcome = iota + 1
	Upgraded
	Unchanged
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case NewItem:
		return "new"
	case Upgraded:
		return "upgraded"
	case Unchanged:
		return "unchanged"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Ignore reasons.
const (
	ReasonRename          = "rename"
	ReasonNotUpgrade      = "not an upgrade"
	ReasonDowngrade       = "downgrade"
	ReasonUnsupportedKind = "unsupported kind"
)

// Result is the outcome of one detection. Changes is set only for Upgraded,
// Reason only for Ignored. Previous is the snapshot before this detection,
// nil for NewItem.
type Result struct {
	Outcome  Outcome
	Changes  []models.Change
	Reason   string
	Item     models.MediaItem
	Previous *models.MediaItem
}

// Notify reports whether the result should produce a notification.
func (r *Result) Notify() bool {
	return r.Outcome == NewItem || r.Outcome == Upgraded
}

// Decision maps a notify-worthy result to a routing decision.
func (r *Result) Decision() models.Decision {
	if r.Outcome == Upgraded {
		return models.DecisionUpgraded
	}
	return models.DecisionNew
}

// SnapshotStore is the subset of the item store the detector needs.
type SnapshotStore interface {
	GetItem(ctx context.Context, id string) (*models.MediaItem, error)
	UpsertItem(ctx context.Context, item *models.MediaItem) error
	UpdatePath(ctx context.Context, id, path string, seen time.Time) error
}

// Detector owns the snapshot table.
type Detector struct {
	store SnapshotStore
	cfg   atomic.Pointer[settings]
	locks *keyedMutex
	now   func() time.Time
}

type settings struct {
	watch     config.DetectorConfig
	supported map[string]bool
}

// New creates a detector over s.
func New(s SnapshotStore, cfg config.DetectorConfig) *Detector {
	d := &Detector{store: s, locks: newKeyedMutex(), now: time.Now}
	d.UpdateConfig(cfg)
	return d
}

// UpdateConfig swaps the watch list. In-flight detections finish with the
// old settings.
func (d *Detector) UpdateConfig(cfg config.DetectorConfig) {
	supported := make(map[string]bool, len(cfg.SupportedKinds))
	for _, k := range cfg.SupportedKinds {
		supported[strings.ToLower(k)] = true
	}
	d.cfg.Store(&settings{watch: cfg, supported: supported})
}

// Fingerprint digests item using the current watch list.
func (d *Detector) Fingerprint(attrs *models.TechnicalAttributes) string {
	return Fingerprint(attrs, &d.cfg.Load().watch)
}

// LockItem takes the per-id lock Detect uses and returns its release func.
// Work that changes a snapshot outside Detect, such as applying a confirmed
// deletion, holds it so a concurrent detection never reads a snapshot that
// is about to disappear. It must not be held across a call to Detect for
// the same id.
func (d *Detector) LockItem(id string) func() {
	return d.locks.Lock(id)
}

// Detect classifies item and updates the stored snapshot accordingly.
// Errors wrap store.ErrStorage when the snapshot could not be read or written.
func (d *Detector) Detect(ctx context.Context, item models.MediaItem) (Result, error) {
	cfg := d.cfg.Load()
	res, err := d.detect(ctx, cfg, item)
	if err != nil {
		return res, err
	}
	metrics.DetectorOutcomes.WithLabelValues(res.Outcome.String(), res.Reason).Inc()
	for _, c := range res.Changes {
		metrics.DetectorChanges.WithLabelValues(c.Kind.String()).Inc()
	}
	logging.Debug().
		Str("item_id", item.ID).
		Str("outcome", res.Outcome.String()).
		Str("reason", res.Reason).
		Int("changes", len(res.Changes)).
		Msg("Item classified")
	return res, nil
}

func (d *Detector) detect(ctx context.Context, cfg *settings, item models.MediaItem) (Result, error) {
	if item.ID == "" {
		return Result{}, fmt.Errorf("detect: empty item id")
	}
	if len(cfg.supported) > 0 && !cfg.supported[strings.ToLower(item.Kind)] {
		return Result{Outcome: Ignored, Reason: ReasonUnsupportedKind, Item: item}, nil
	}

	unlock := d.locks.Lock(item.ID)
	defer unlock()

	now := d.now().UTC()
	prev, err := d.store.GetItem(ctx, item.ID)
	if errors.Is(err, store.ErrNotFound) {
		item.LastSeen = now
		item.LastModified = now
		if err := d.store.UpsertItem(ctx, &item); err != nil {
			return Result{}, err
		}
		return Result{Outcome: NewItem, Item: item}, nil
	}
	if err != nil {
		return Result{}, err
	}

	oldFP := Fingerprint(&prev.Attributes, &cfg.watch)
	newFP := Fingerprint(&item.Attributes, &cfg.watch)

	if oldFP == newFP {
		if item.Path == "" || item.Path == prev.Path {
			return Result{Outcome: Unchanged, Item: *prev, Previous: prev}, nil
		}
		if err := d.store.UpdatePath(ctx, item.ID, item.Path, now); err != nil {
			return Result{}, err
		}
		if prev.Path == "" {
			// First time the catalog reports a path; nothing was moved.
			cur := *prev
			cur.Path = item.Path
			cur.LastSeen = now
			return Result{Outcome: Unchanged, Item: cur, Previous: prev}, nil
		}
		item.LastSeen = now
		item.LastModified = prev.LastModified
		return Result{Outcome: Ignored, Reason: ReasonRename, Item: item, Previous: prev}, nil
	}

	all := Diff(&prev.Attributes, &item.Attributes, &cfg.watch)
	worthy, downgrade := classify(all)

	item.LastSeen = now
	item.LastModified = now
	if err := d.store.UpsertItem(ctx, &item); err != nil {
		return Result{}, err
	}

	if len(worthy) == 0 {
		reason := ReasonNotUpgrade
		if downgrade {
			reason = ReasonDowngrade
		}
		return Result{Outcome: Ignored, Reason: reason, Item: item, Previous: prev}, nil
	}
	return Result{Outcome: Upgraded, Changes: worthy, Item: item, Previous: prev}, nil
}
