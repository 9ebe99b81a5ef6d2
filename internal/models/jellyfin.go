// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package models

import "time"

// JellyfinWebhook is the payload posted by the Jellyfin webhook plugin
// (Generic Destination with the default JSON template).
//
// Only ItemAdded and ItemDeleted are library events; other notification
// types are acknowledged and ignored.
type JellyfinWebhook struct {
	NotificationType string    `json:"NotificationType" validate:"required"`
	Timestamp        time.Time `json:"Timestamp"`
	UtcTimestamp     time.Time `json:"UtcTimestamp"`

	ServerID   string `json:"ServerId"`
	ServerName string `json:"ServerName"`

	ItemID   string `json:"ItemId"`
	ItemType string `json:"ItemType"`
	Name     string `json:"Name"`
	Year     int    `json:"Year,omitempty"`

	SeriesName            string `json:"SeriesName,omitempty"`
	SeasonNumber          int    `json:"SeasonNumber,omitempty"`
	EpisodeNumber         int    `json:"EpisodeNumber,omitempty"`
	ProviderImdb          string `json:"Provider_imdb,omitempty"`
	ProviderTmdb          string `json:"Provider_tmdb,omitempty"`
	ProviderTvdb          string `json:"Provider_tvdb,omitempty"`
	ProviderMusicBrainzID string `json:"Provider_musicbrainzalbum,omitempty"`
}

// Jellyfin notification types that map to library events.
const (
	JellyfinItemAdded   = "ItemAdded"
	JellyfinItemDeleted = "ItemDeleted"
)

// LibraryEvent converts the webhook to a library event. ok is false for
// notification types that are not library changes.
func (w *JellyfinWebhook) LibraryEvent() (LibraryEvent, bool) {
	var kind EventKind
	switch w.NotificationType {
	case JellyfinItemAdded:
		kind = EventAdded
	case JellyfinItemDeleted:
		kind = EventDeleted
	default:
		return LibraryEvent{}, false
	}
	at := w.UtcTimestamp
	if at.IsZero() {
		at = w.Timestamp
	}
	return LibraryEvent{
		Kind:       kind,
		ItemID:     w.ItemID,
		ItemKind:   w.ItemType,
		Name:       w.Name,
		Source:     SourceWebhook,
		OccurredAt: at,
	}, true
}

// JellyfinItem is a BaseItemDto as returned by /Items with
// Fields=MediaSources,ProviderIds,Path,Overview.
type JellyfinItem struct {
	ID                string                `json:"Id"`
	Name              string                `json:"Name"`
	Type              string                `json:"Type"`
	IsFolder          bool                  `json:"IsFolder"`
	ProductionYear    int                   `json:"ProductionYear,omitempty"`
	SeriesName        string                `json:"SeriesName,omitempty"`
	ParentIndexNumber int                   `json:"ParentIndexNumber,omitempty"`
	IndexNumber       int                   `json:"IndexNumber,omitempty"`
	Overview          string                `json:"Overview,omitempty"`
	Path              string                `json:"Path,omitempty"`
	Container         string                `json:"Container,omitempty"`
	DateCreated       time.Time             `json:"DateCreated,omitempty"`
	ProviderIDs       map[string]string     `json:"ProviderIds,omitempty"`
	MediaSources      []JellyfinMediaSource `json:"MediaSources,omitempty"`
	MediaStreams      []JellyfinMediaStream `json:"MediaStreams,omitempty"`
}

// JellyfinMediaSource is one playable version of an item.
type JellyfinMediaSource struct {
	ID           string                `json:"Id"`
	Path         string                `json:"Path,omitempty"`
	Container    string                `json:"Container,omitempty"`
	Size         int64                 `json:"Size,omitempty"`
	Bitrate      int64                 `json:"Bitrate,omitempty"`
	MediaStreams []JellyfinMediaStream `json:"MediaStreams,omitempty"`
}

// JellyfinMediaStream is a single video, audio or subtitle stream.
type JellyfinMediaStream struct {
	Codec          string `json:"Codec"`
	Profile        string `json:"Profile,omitempty"`
	Type           string `json:"Type"` // Video, Audio, Subtitle
	Index          int    `json:"Index"`
	IsDefault      bool   `json:"IsDefault"`
	Height         int    `json:"Height,omitempty"`
	Width          int    `json:"Width,omitempty"`
	BitRate        int64  `json:"BitRate,omitempty"`
	Channels       int    `json:"Channels,omitempty"`
	VideoRange     string `json:"VideoRange,omitempty"`     // SDR, HDR
	VideoRangeType string `json:"VideoRangeType,omitempty"` // SDR, HDR10, HDR10Plus, DOVI, HLG
}

// JellyfinItemsResponse is the paged /Items envelope.
type JellyfinItemsResponse struct {
	Items            []JellyfinItem `json:"Items"`
	TotalRecordCount int            `json:"TotalRecordCount"`
	StartIndex       int            `json:"StartIndex"`
}

// ToMediaItem extracts the watched technical attributes. The first media
// source is authoritative; its first video stream and the default (or
// first) audio stream are used.
func (it *JellyfinItem) ToMediaItem() MediaItem {
	item := MediaItem{
		ID:            it.ID,
		Kind:          it.Type,
		Name:          it.Name,
		SeriesName:    it.SeriesName,
		SeasonNumber:  it.ParentIndexNumber,
		EpisodeNumber: it.IndexNumber,
		Year:          it.ProductionYear,
		Overview:      it.Overview,
		Path:          it.Path,
	}
	attrs := &item.Attributes
	attrs.Container = it.Container

	streams := it.MediaStreams
	if len(it.MediaSources) > 0 {
		src := it.MediaSources[0]
		attrs.FileSize = src.Size
		attrs.Bitrate = src.Bitrate
		if src.Container != "" {
			attrs.Container = src.Container
		}
		if item.Path == "" {
			item.Path = src.Path
		}
		if len(src.MediaStreams) > 0 {
			streams = src.MediaStreams
		}
	}

	var video, audio *JellyfinMediaStream
	for i := range streams {
		s := &streams[i]
		switch s.Type {
		case "Video":
			if video == nil {
				video = s
			}
		case "Audio":
			if audio == nil || (s.IsDefault && !audio.IsDefault) {
				audio = s
			}
		}
	}
	if video != nil {
		attrs.Height = video.Height
		attrs.Width = video.Width
		attrs.VideoCodec = video.Codec
		attrs.VideoProfile = video.Profile
		rangeType := video.VideoRangeType
		if rangeType == "" {
			rangeType = video.VideoRange
		}
		if rangeType != "" && rangeType != "SDR" && rangeType != "Unknown" {
			attrs.HDR = true
			attrs.HDRType = rangeType
		}
	}
	if audio != nil {
		attrs.AudioCodec = audio.Codec
		attrs.AudioChannels = audio.Channels
	}
	if len(it.ProviderIDs) > 0 {
		attrs.ExternalIDs = make(map[string]string, len(it.ProviderIDs))
		for k, v := range it.ProviderIDs {
			if v != "" {
				attrs.ExternalIDs[k] = v
			}
		}
	}
	return item
}
