// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package models

import "time"

// EventKind is the kind of a library change event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventDeleted EventKind = "deleted"
)

// Event sources.
const (
	SourceWebhook   = "webhook"
	SourceWebSocket = "websocket"
	SourceSync      = "sync"
	SourceAPI       = "api"
)

// LibraryEvent is a normalized inbound change event. Every ingestion path
// (webhook, websocket, reconciliation sweep) produces this shape.
type LibraryEvent struct {
	Kind       EventKind `json:"event" validate:"required,oneof=added deleted"`
	ItemID     string    `json:"item_id" validate:"itemid"`
	ItemKind   string    `json:"item_kind,omitempty" validate:"max=64"`
	Name       string    `json:"name,omitempty" validate:"max=512"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DedupeKey identifies repeated deliveries of the same event.
func (e *LibraryEvent) DedupeKey() string {
	return string(e.Kind) + ":" + e.ItemID
}
