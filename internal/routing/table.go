// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

// ErrNoDestination is returned when no enabled destination is reachable
// for a category.
var ErrNoDestination = errors.New("no enabled destination")

// ErrUnknownDestination is returned for operations on an undeclared id.
var ErrUnknownDestination = errors.New("unknown destination")

// GroupingMode selects how a destination batches notifications.
type GroupingMode string

const (
	GroupNone        GroupingMode = "none"
	GroupEventType   GroupingMode = "event_type"
	GroupContentType GroupingMode = "content_type"
	GroupBoth        GroupingMode = "both"
)

// defaultBatchDelay applies when a grouping mode sets only max_items.
const defaultBatchDelay = time.Minute

// Grouping is a destination's batching policy.
type Grouping struct {
	Mode     GroupingMode  `json:"mode"`
	Delay    time.Duration `json:"delay"`
	MaxItems int           `json:"max_items"`
}

// Key returns the group key for n. Mode none has no key.
func (g Grouping) Key(n *models.Notification) string {
	switch g.Mode {
	case GroupEventType:
		return n.Decision.String()
	case GroupContentType:
		return string(n.Category())
	case GroupBoth:
		return n.Decision.String() + "/" + string(n.Category())
	default:
		return ""
	}
}

// Enabled reports whether batching applies.
func (g Grouping) Enabled() bool {
	return g.Mode != "" && g.Mode != GroupNone
}

func groupingFromConfig(c config.GroupingConfig) Grouping {
	g := Grouping{Mode: GroupingMode(c.Mode), Delay: c.Delay, MaxItems: c.MaxItems}
	if g.Mode == "" {
		g.Mode = GroupNone
	}
	if g.Enabled() && g.Delay <= 0 {
		g.Delay = defaultBatchDelay
	}
	return g
}

// Destination is the routing view of one configured channel.
type Destination struct {
	ID       string
	Enabled  bool
	Fallback string
	Grouping Grouping
	Config   config.DestinationConfig
}

// Path names how a destination was chosen.
type Path string

const (
	PathMapped   Path = "mapped"
	PathFallback Path = "fallback"
	PathAny      Path = "any"
)

// Table is an immutable category to destination lookup built once per
// configuration. Mutations return a new table.
type Table struct {
	categories   map[models.ContentCategory]string
	fallback     string
	destinations map[string]*Destination
	order        []string
}

// NewTable builds a lookup table from routing configuration.
func NewTable(cfg *config.RoutingConfig) *Table {
	t := &Table{
		categories:   make(map[models.ContentCategory]string, len(cfg.Categories)),
		fallback:     cfg.Fallback,
		destinations: make(map[string]*Destination, len(cfg.Destinations)),
		order:        make([]string, 0, len(cfg.Destinations)),
	}
	for cat, id := range cfg.Categories {
		t.categories[models.ContentCategory(cat)] = id
	}
	for _, dc := range cfg.Destinations {
		t.destinations[dc.ID] = &Destination{
			ID:       dc.ID,
			Enabled:  dc.Enabled,
			Fallback: dc.Fallback,
			Grouping: groupingFromConfig(dc.Grouping),
			Config:   dc,
		}
		t.order = append(t.order, dc.ID)
	}
	return t
}

// Resolve picks the destination for category: the mapped destination if
// enabled, then the mapped destination's own fallback, then the global
// fallback, then the first enabled destination in declaration order.
func (t *Table) Resolve(category models.ContentCategory) (*Destination, Path, error) {
	mapped := t.categories[category]
	if d := t.enabled(mapped); d != nil {
		return d, PathMapped, nil
	}
	if m, ok := t.destinations[mapped]; ok {
		if d := t.enabled(m.Fallback); d != nil {
			return d, PathFallback, nil
		}
	}
	if d := t.enabled(t.fallback); d != nil {
		return d, PathFallback, nil
	}
	for _, id := range t.order {
		if d := t.enabled(id); d != nil {
			return d, PathAny, nil
		}
	}
	return nil, "", fmt.Errorf("%w for category %s", ErrNoDestination, category)
}

func (t *Table) enabled(id string) *Destination {
	if id == "" {
		return nil
	}
	if d, ok := t.destinations[id]; ok && d.Enabled {
		return d
	}
	return nil
}

// Destination returns a copy of the named destination.
func (t *Table) Destination(id string) (Destination, bool) {
	d, ok := t.destinations[id]
	if !ok {
		return Destination{}, false
	}
	return *d, true
}

// Destinations returns all destinations in declaration order.
func (t *Table) Destinations() []Destination {
	out := make([]Destination, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.destinations[id])
	}
	return out
}

// with returns a copy of t where fn has mutated destination id.
func (t *Table) with(id string, fn func(*Destination)) (*Table, error) {
	if _, ok := t.destinations[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	next := &Table{
		categories:   t.categories,
		fallback:     t.fallback,
		destinations: make(map[string]*Destination, len(t.destinations)),
		order:        t.order,
	}
	for k, v := range t.destinations {
		cp := *v
		next.destinations[k] = &cp
	}
	fn(next.destinations[id])
	return next, nil
}
