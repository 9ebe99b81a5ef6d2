// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package models

import (
	"fmt"
	"strings"
	"time"
)

// ContentCategory is the routing category derived from an item's kind.
type ContentCategory string

const (
	CategoryMovie ContentCategory = "movie"
	CategoryTV    ContentCategory = "tv"
	CategoryMusic ContentCategory = "music"
	CategoryOther ContentCategory = "other"
)

// CategoryForKind maps a catalog item kind ("Movie", "Episode", "Audio", ...)
// to its routing category.
func CategoryForKind(kind string) ContentCategory {
	switch strings.ToLower(kind) {
	case "movie":
		return CategoryMovie
	case "episode", "season", "series":
		return CategoryTV
	case "audio", "musicalbum", "musicartist", "track":
		return CategoryMusic
	default:
		return CategoryOther
	}
}

// TechnicalAttributes is the watched technical description of a media file.
type TechnicalAttributes struct {
	Height        int               `json:"height"`
	Width         int               `json:"width"`
	VideoCodec    string            `json:"video_codec,omitempty"`
	VideoProfile  string            `json:"video_profile,omitempty"`
	HDR           bool              `json:"hdr"`
	HDRType       string            `json:"hdr_type,omitempty"`
	AudioCodec    string            `json:"audio_codec,omitempty"`
	AudioChannels int               `json:"audio_channels"`
	Bitrate       int64             `json:"bitrate,omitempty"`
	Container     string            `json:"container,omitempty"`
	FileSize      int64             `json:"file_size"`
	ExternalIDs   map[string]string `json:"external_ids,omitempty"`
}

// MediaItem is the last-known snapshot of one catalog item.
type MediaItem struct {
	ID            string              `json:"id"`
	Kind          string              `json:"kind"`
	Name          string              `json:"name"`
	SeriesName    string              `json:"series_name,omitempty"`
	SeasonNumber  int                 `json:"season_number,omitempty"`
	EpisodeNumber int                 `json:"episode_number,omitempty"`
	Year          int                 `json:"year,omitempty"`
	Overview      string              `json:"overview,omitempty"`
	Path          string              `json:"path,omitempty"`
	Attributes    TechnicalAttributes `json:"attributes"`
	LastSeen      time.Time           `json:"last_seen"`
	LastModified  time.Time           `json:"last_modified"`
}

// Category returns the routing category of the item.
func (m *MediaItem) Category() ContentCategory {
	return CategoryForKind(m.Kind)
}

// DisplayTitle renders "Series S01E02 - Name" for episodes, "Name (Year)"
// for items with a year, and Name otherwise.
func (m *MediaItem) DisplayTitle() string {
	if m.SeriesName != "" && m.EpisodeNumber > 0 {
		return fmt.Sprintf("%s S%02dE%02d - %s", m.SeriesName, m.SeasonNumber, m.EpisodeNumber, m.Name)
	}
	if m.Year > 0 {
		return fmt.Sprintf("%s (%d)", m.Name, m.Year)
	}
	return m.Name
}

// ResolutionLabel buckets a video height into a display label.
func ResolutionLabel(height int) string {
	switch {
	case height <= 0:
		return "Unknown"
	case height >= 2160:
		return "4K"
	case height >= 1440:
		return "1440p"
	case height >= 1080:
		return "1080p"
	case height >= 720:
		return "720p"
	default:
		return "SD"
	}
}
