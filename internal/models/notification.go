// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package models

import (
	"fmt"
	"time"
)

// Decision is the notify-worthy outcome of the pipeline for one item.
type Decision int

const (
	DecisionNew Decision = iota + 1
	DecisionUpgraded
	DecisionDeleted
)

func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(b []byte) error {
	switch string(b) {
	case "new":
		*d = DecisionNew
	case "upgraded":
		*d = DecisionUpgraded
	case "deleted":
		*d = DecisionDeleted
	default:
		return fmt.Errorf("unknown decision %q", b)
	}
	return nil
}

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionUpgraded:
		return "upgraded"
	case DecisionDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeKind is one of the fixed watched-attribute change kinds. The
// declaration order is the order changes are reported in.
type ChangeKind int

const (
	ChangeResolution ChangeKind = iota + 1
	ChangeVideoCodec
	ChangeAudioCodec
	ChangeAudioChannels
	ChangeHDRStatus
	ChangeFileSize
	ChangeExternalID
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeResolution:
		return "resolution"
	case ChangeVideoCodec:
		return "video_codec"
	case ChangeAudioCodec:
		return "audio_codec"
	case ChangeAudioChannels:
		return "audio_channels"
	case ChangeHDRStatus:
		return "hdr_status"
	case ChangeFileSize:
		return "file_size"
	case ChangeExternalID:
		return "external_id"
	default:
		return "unknown"
	}
}

// MarshalText lets ChangeKind appear by name in JSON.
func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(b []byte) error {
	for c := ChangeResolution; c <= ChangeExternalID; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", b)
}

// Change is one differing watched field between two snapshots.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Field    string     `json:"field"`
	OldValue string     `json:"old_value"`
	NewValue string     `json:"new_value"`
}

// Enrichment holds optional third-party metadata. A nil Enrichment means
// the lookup was skipped or failed.
type Enrichment struct {
	IMDbRating     string `json:"imdb_rating,omitempty"`
	Metascore      string `json:"metascore,omitempty"`
	RottenTomatoes string `json:"rotten_tomatoes,omitempty"`
	Genre          string `json:"genre,omitempty"`
	Plot           string `json:"plot,omitempty"`
	Rated          string `json:"rated,omitempty"`
}

// Notification is a routed decision about one item.
type Notification struct {
	Decision   Decision    `json:"decision"`
	Item       MediaItem   `json:"item"`
	Changes    []Change    `json:"changes,omitempty"`
	Enrichment *Enrichment `json:"enrichment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Category is the routing category of the notified item.
func (n *Notification) Category() ContentCategory {
	return n.Item.Category()
}
