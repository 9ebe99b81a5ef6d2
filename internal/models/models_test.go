// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package models

import (
	"testing"
	"time"
)

func TestCategoryForKind(t *testing.T) {
	tests := map[string]ContentCategory{
		"Movie":      CategoryMovie,
		"Episode":    CategoryTV,
		"Series":     CategoryTV,
		"Audio":      CategoryMusic,
		"MusicAlbum": CategoryMusic,
		"Book":       CategoryOther,
		"":           CategoryOther,
	}
	for kind, want := range tests {
		if got := CategoryForKind(kind); got != want {
			t.Errorf("CategoryForKind(%q) = %s, want %s", kind, got, want)
		}
	}
}

func TestDisplayTitle(t *testing.T) {
	ep := MediaItem{Name: "Pilot", SeriesName: "Show", SeasonNumber: 1, EpisodeNumber: 2}
	if got := ep.DisplayTitle(); got != "Show S01E02 - Pilot" {
		t.Errorf("episode title = %q", got)
	}
	mv := MediaItem{Name: "Heat", Year: 1995}
	if got := mv.DisplayTitle(); got != "Heat (1995)" {
		t.Errorf("movie title = %q", got)
	}
}

func TestResolutionLabel(t *testing.T) {
	tests := map[int]string{0: "Unknown", 480: "SD", 720: "720p", 1080: "1080p", 1440: "1440p", 2160: "4K"}
	for h, want := range tests {
		if got := ResolutionLabel(h); got != want {
			t.Errorf("ResolutionLabel(%d) = %s, want %s", h, got, want)
		}
	}
}

func TestJellyfinWebhook_LibraryEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := JellyfinWebhook{NotificationType: "ItemDeleted", ItemID: "abc", ItemType: "Movie", Name: "Heat", UtcTimestamp: ts}

	ev, ok := w.LibraryEvent()
	if !ok {
		t.Fatal("expected library event")
	}
	if ev.Kind != EventDeleted || ev.ItemID != "abc" || ev.Source != SourceWebhook || !ev.OccurredAt.Equal(ts) {
		t.Errorf("unexpected event %+v", ev)
	}

	w.NotificationType = "PlaybackStart"
	if _, ok := w.LibraryEvent(); ok {
		t.Error("playback notifications are not library events")
	}
}

func TestJellyfinItem_ToMediaItem(t *testing.T) {
	it := JellyfinItem{
		ID:          "abc",
		Name:        "Heat",
		Type:        "Movie",
		Path:        "/movies/Heat.mkv",
		ProviderIDs: map[string]string{"Imdb": "tt0113277", "Tmdb": ""},
		MediaSources: []JellyfinMediaSource{{
			Size:      42,
			Container: "mkv",
			MediaStreams: []JellyfinMediaStream{
				{Type: "Video", Codec: "hevc", Profile: "Main 10", Height: 2160, Width: 3840, VideoRangeType: "DOVI"},
				{Type: "Audio", Codec: "ac3", Channels: 2},
				{Type: "Audio", Codec: "truehd", Channels: 8, IsDefault: true},
				{Type: "Subtitle", Codec: "srt"},
			},
		}},
	}

	item := it.ToMediaItem()
	a := item.Attributes
	if a.Height != 2160 || a.VideoCodec != "hevc" || a.VideoProfile != "Main 10" {
		t.Errorf("video attributes = %+v", a)
	}
	if !a.HDR || a.HDRType != "DOVI" {
		t.Errorf("hdr = %v %q", a.HDR, a.HDRType)
	}
	if a.AudioCodec != "truehd" || a.AudioChannels != 8 {
		t.Errorf("default audio stream not chosen: %+v", a)
	}
	if a.FileSize != 42 || a.Container != "mkv" {
		t.Errorf("source attributes = %+v", a)
	}
	if len(a.ExternalIDs) != 1 || a.ExternalIDs["Imdb"] != "tt0113277" {
		t.Errorf("external ids = %v", a.ExternalIDs)
	}
}
