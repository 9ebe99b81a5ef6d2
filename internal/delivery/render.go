// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

// RenderContext is everything a payload renderer may use.
type RenderContext struct {
	Destination   config.DestinationConfig
	Notifications []models.Notification
	GeneratedAt   time.Time
}

// Single returns the only notification of an ungrouped task, or nil.
func (rc *RenderContext) Single() *models.Notification {
	if len(rc.Notifications) == 1 {
		return &rc.Notifications[0]
	}
	return nil
}

// Renderer turns a render context into a webhook body. Failures must wrap
// ErrTemplate.
type Renderer interface {
	Render(rc *RenderContext) ([]byte, error)
}

// Discord limits.
const (
	maxEmbeds           = 10
	maxTitleLen         = 256
	maxDescriptionLen   = 4096
	maxFieldValueLen    = 1024
	maxContentLen       = 2000
	defaultBotUsername  = "Herald"
	colorNew            = 0x2ECC71
	colorUpgraded       = 0x3498DB
	colorDeleted        = 0xE74C3C
	overviewPreviewRune = 350
)

// EmbedRenderer is the built-in Discord embed layout.
type EmbedRenderer struct{}

var _ Renderer = EmbedRenderer{}

// Render implements Renderer.
func (EmbedRenderer) Render(rc *RenderContext) ([]byte, error) {
	if len(rc.Notifications) == 0 {
		return nil, fmt.Errorf("%w: nothing to render", ErrTemplate)
	}
	payload := DiscordWebhookPayload{
		Username:  rc.Destination.Username,
		AvatarURL: rc.Destination.AvatarURL,
	}
	if payload.Username == "" {
		payload.Username = defaultBotUsername
	}

	ts := rc.GeneratedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	n := len(rc.Notifications)
	shown := n
	if shown > maxEmbeds {
		shown = maxEmbeds
	}
	for i := 0; i < shown; i++ {
		payload.Embeds = append(payload.Embeds, buildEmbed(&rc.Notifications[i], ts))
	}
	if n > 1 {
		payload.Content = summarize(rc.Notifications)
		if n > shown {
			payload.Content += fmt.Sprintf("\n…and %d more", n-shown)
		}
		payload.Content = truncate(payload.Content, maxContentLen)
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplate, err)
	}
	return body, nil
}

func buildEmbed(n *models.Notification, ts time.Time) DiscordEmbed {
	item := &n.Item
	e := DiscordEmbed{
		Title:     truncate(titleFor(n), maxTitleLen),
		Timestamp: ts.UTC().Format(time.RFC3339),
		Footer:    &DiscordEmbedFooter{Text: "Herald"},
	}

	switch n.Decision {
	case models.DecisionUpgraded:
		e.Color = colorUpgraded
		lines := make([]string, 0, len(n.Changes))
		for _, c := range n.Changes {
			lines = append(lines, fmt.Sprintf("**%s**: %s → %s", changeLabel(c.Kind), displayValue(c, c.OldValue), displayValue(c, c.NewValue)))
		}
		e.Description = truncate(strings.Join(lines, "\n"), maxDescriptionLen)
	case models.DecisionDeleted:
		e.Color = colorDeleted
		e.Description = "Removed from the library."
	default:
		e.Color = colorNew
		e.Description = truncate(item.Overview, overviewPreviewRune)
	}

	if n.Decision != models.DecisionDeleted {
		e.Fields = append(e.Fields, qualityFields(&item.Attributes)...)
	}
	if en := n.Enrichment; en != nil {
		if en.IMDbRating != "" {
			e.Fields = append(e.Fields, DiscordEmbedField{Name: "IMDb", Value: en.IMDbRating, Inline: true})
		}
		if en.RottenTomatoes != "" {
			e.Fields = append(e.Fields, DiscordEmbedField{Name: "Rotten Tomatoes", Value: en.RottenTomatoes, Inline: true})
		}
		if en.Metascore != "" {
			e.Fields = append(e.Fields, DiscordEmbedField{Name: "Metascore", Value: en.Metascore, Inline: true})
		}
		if en.Genre != "" {
			e.Fields = append(e.Fields, DiscordEmbedField{Name: "Genre", Value: truncate(en.Genre, maxFieldValueLen), Inline: true})
		}
		if e.Description == "" && en.Plot != "" {
			e.Description = truncate(en.Plot, overviewPreviewRune)
		}
	}
	return e
}

func titleFor(n *models.Notification) string {
	title := n.Item.DisplayTitle()
	kind := strings.ToLower(n.Item.Kind)
	if kind == "" {
		kind = "item"
	}
	switch n.Decision {
	case models.DecisionUpgraded:
		return "Upgraded " + kind + ": " + title
	case models.DecisionDeleted:
		return "Removed " + kind + ": " + title
	default:
		return "New " + kind + ": " + title
	}
}

func qualityFields(a *models.TechnicalAttributes) []DiscordEmbedField {
	var fields []DiscordEmbedField
	if a.Height > 0 {
		fields = append(fields, DiscordEmbedField{Name: "Resolution", Value: models.ResolutionLabel(a.Height), Inline: true})
	}
	if a.VideoCodec != "" {
		v := strings.ToUpper(a.VideoCodec)
		if a.HDR {
			v += " " + a.HDRType
		}
		fields = append(fields, DiscordEmbedField{Name: "Video", Value: strings.TrimSpace(v), Inline: true})
	}
	if a.AudioCodec != "" {
		v := strings.ToUpper(a.AudioCodec)
		if a.AudioChannels > 0 {
			v += " " + channelLayout(a.AudioChannels)
		}
		fields = append(fields, DiscordEmbedField{Name: "Audio", Value: v, Inline: true})
	}
	return fields
}

func summarize(ns []models.Notification) string {
	counts := map[models.Decision]int{}
	for i := range ns {
		counts[ns[i].Decision]++
	}
	parts := make([]string, 0, 3)
	if c := counts[models.DecisionNew]; c > 0 {
		parts = append(parts, fmt.Sprintf("%d new", c))
	}
	if c := counts[models.DecisionUpgraded]; c > 0 {
		parts = append(parts, fmt.Sprintf("%d upgraded", c))
	}
	if c := counts[models.DecisionDeleted]; c > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", c))
	}
	return fmt.Sprintf("**%d library updates** (%s)", len(ns), strings.Join(parts, ", "))
}

func changeLabel(k models.ChangeKind) string {
	switch k {
	case models.ChangeResolution:
		return "Resolution"
	case models.ChangeVideoCodec:
		return "Video codec"
	case models.ChangeAudioCodec:
		return "Audio codec"
	case models.ChangeAudioChannels:
		return "Audio channels"
	case models.ChangeHDRStatus:
		return "HDR"
	case models.ChangeFileSize:
		return "File size"
	case models.ChangeExternalID:
		return "External id"
	default:
		return k.String()
	}
}

func displayValue(c models.Change, v string) string {
	if v == "" {
		return "none"
	}
	switch c.Kind {
	case models.ChangeResolution:
		var h int
		if _, err := fmt.Sscan(v, &h); err == nil {
			return models.ResolutionLabel(h)
		}
	case models.ChangeAudioChannels:
		var ch int
		if _, err := fmt.Sscan(v, &ch); err == nil {
			return channelLayout(ch)
		}
	case models.ChangeFileSize:
		var b int64
		if _, err := fmt.Sscan(v, &b); err == nil {
			return humanBytes(b)
		}
	case models.ChangeVideoCodec, models.ChangeAudioCodec:
		return strings.ToUpper(v)
	}
	return v
}

func channelLayout(ch int) string {
	switch ch {
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	case 6:
		return "5.1"
	case 8:
		return "7.1"
	default:
		return fmt.Sprintf("%dch", ch)
	}
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
