// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

func renderEmbeds(t *testing.T, ns ...models.Notification) DiscordWebhookPayload {
	t.Helper()
	body, err := EmbedRenderer{}.Render(&RenderContext{
		Destination:   config.DestinationConfig{ID: "movies"},
		Notifications: ns,
		GeneratedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var p DiscordWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	return p
}

func TestEmbedRenderer_NewItem(t *testing.T) {
	p := renderEmbeds(t, models.Notification{
		Decision: models.DecisionNew,
		Item: models.MediaItem{
			ID: "m1", Kind: "Movie", Name: "Dune", Year: 2021, Overview: "Spice.",
			Attributes: models.TechnicalAttributes{Height: 2160, VideoCodec: "hevc", HDR: true, HDRType: "HDR10", AudioCodec: "eac3", AudioChannels: 6},
		},
		Enrichment: &models.Enrichment{IMDbRating: "8.0"},
	})

	if p.Username != "Herald" || p.Content != "" || len(p.Embeds) != 1 {
		t.Fatalf("payload = %+v", p)
	}
	e := p.Embeds[0]
	if e.Title != "New movie: Dune (2021)" {
		t.Errorf("Title = %q", e.Title)
	}
	if e.Color != colorNew || e.Description != "Spice." || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("embed = %+v", e)
	}
	fields := map[string]string{}
	for _, f := range e.Fields {
		fields[f.Name] = f.Value
	}
	want := map[string]string{"Resolution": "4K", "Video": "HEVC HDR10", "Audio": "EAC3 5.1", "IMDb": "8.0"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestEmbedRenderer_Upgrade(t *testing.T) {
	p := renderEmbeds(t, models.Notification{
		Decision: models.DecisionUpgraded,
		Item:     models.MediaItem{ID: "m1", Kind: "Movie", Name: "Dune"},
		Changes: []models.Change{
			{Kind: models.ChangeResolution, Field: "height", OldValue: "1080", NewValue: "2160"},
			{Kind: models.ChangeAudioChannels, Field: "audio_channels", OldValue: "2", NewValue: "8"},
		},
	})
	e := p.Embeds[0]
	want := "**Resolution**: 1080p → 4K\n**Audio channels**: Stereo → 7.1"
	if e.Description != want {
		t.Errorf("Description = %q, want %q", e.Description, want)
	}
	if e.Color != colorUpgraded || !strings.HasPrefix(e.Title, "Upgraded movie") {
		t.Errorf("embed = %+v", e)
	}
}

func TestEmbedRenderer_Batch(t *testing.T) {
	var ns []models.Notification
	for i := 0; i < 12; i++ {
		d := models.DecisionNew
		if i%3 == 0 {
			d = models.DecisionDeleted
		}
		ns = append(ns, models.Notification{Decision: d, Item: models.MediaItem{ID: fmt.Sprint(i), Kind: "Episode", Name: fmt.Sprint("ep", i)}})
	}
	p := renderEmbeds(t, ns...)
	if len(p.Embeds) != maxEmbeds {
		t.Errorf("embeds = %d, want %d", len(p.Embeds), maxEmbeds)
	}
	if !strings.Contains(p.Content, "12 library updates") || !strings.Contains(p.Content, "8 new, 4 removed") || !strings.Contains(p.Content, "and 2 more") {
		t.Errorf("Content = %q", p.Content)
	}
	if p.Embeds[0].Color != colorDeleted || p.Embeds[0].Description != "Removed from the library." {
		t.Errorf("deleted embed = %+v", p.Embeds[0])
	}
}

func TestEmbedRenderer_Empty(t *testing.T) {
	_, err := EmbedRenderer{}.Render(&RenderContext{})
	if !errors.Is(err, ErrTemplate) {
		t.Errorf("err = %v, want ErrTemplate", err)
	}
}

func TestHelpers(t *testing.T) {
	if got := humanBytes(1536); got != "1.5 KiB" {
		t.Errorf("humanBytes = %q", got)
	}
	if got := humanBytes(5 * 1024 * 1024 * 1024); got != "5.0 GiB" {
		t.Errorf("humanBytes = %q", got)
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
	if got := channelLayout(3); got != "3ch" {
		t.Errorf("channelLayout = %q", got)
	}
}
