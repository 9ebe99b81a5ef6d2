// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package detector

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

// Diff returns one Change per differing watched field, ordered resolution,
// video codec, audio codec, audio channels, HDR, file size, external ids.
// External ids are compared per provider, providers in name order.
func Diff(old, cur *models.TechnicalAttributes, watch *config.DetectorConfig) []models.Change {
	var changes []models.Change
	add := func(kind models.ChangeKind, field, o, n string) {
		changes = append(changes, models.Change{Kind: kind, Field: field, OldValue: o, NewValue: n})
	}

	if watch.WatchResolution && old.Height != cur.Height {
		add(models.ChangeResolution, "height", strconv.Itoa(old.Height), strconv.Itoa(cur.Height))
	}
	if watch.WatchVideoCodec && normCodec(old.VideoCodec) != normCodec(cur.VideoCodec) {
		add(models.ChangeVideoCodec, "video_codec", old.VideoCodec, cur.VideoCodec)
	}
	if watch.WatchAudioCodec && normCodec(old.AudioCodec) != normCodec(cur.AudioCodec) {
		add(models.ChangeAudioCodec, "audio_codec", old.AudioCodec, cur.AudioCodec)
	}
	if watch.WatchAudioChannels && old.AudioChannels != cur.AudioChannels {
		add(models.ChangeAudioChannels, "audio_channels", strconv.Itoa(old.AudioChannels), strconv.Itoa(cur.AudioChannels))
	}
	if watch.WatchHDR {
		if o, n := hdrLabel(old), hdrLabel(cur); o != n {
			add(models.ChangeHDRStatus, "hdr", o, n)
		}
	}
	if watch.WatchFileSize && old.FileSize != cur.FileSize {
		add(models.ChangeFileSize, "file_size", strconv.FormatInt(old.FileSize, 10), strconv.FormatInt(cur.FileSize, 10))
	}
	if watch.WatchExternalIDs {
		oldIDs, curIDs := lowerKeys(old.ExternalIDs), lowerKeys(cur.ExternalIDs)
		keys := make([]string, 0, len(oldIDs)+len(curIDs))
		for k := range oldIDs {
			keys = append(keys, k)
		}
		for k := range curIDs {
			if _, ok := oldIDs[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if oldIDs[k] != curIDs[k] {
				add(models.ChangeExternalID, "external_ids."+k, oldIDs[k], curIDs[k])
			}
		}
	}
	return changes
}

// classify keeps the upgrade-worthy changes. Numeric fields must strictly
// improve; losing HDR is a downgrade. Fields without a natural order count
// on any difference.
func classify(changes []models.Change) (worthy []models.Change, downgrade bool) {
	for _, c := range changes {
		switch c.Kind {
		case models.ChangeResolution, models.ChangeAudioChannels:
			o, _ := strconv.Atoi(c.OldValue)
			n, _ := strconv.Atoi(c.NewValue)
			if n > o {
				worthy = append(worthy, c)
			} else {
				downgrade = true
			}
		case models.ChangeHDRStatus:
			if c.NewValue == "SDR" {
				downgrade = true
				continue
			}
			worthy = append(worthy, c)
		default:
			worthy = append(worthy, c)
		}
	}
	return worthy, downgrade
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
