// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/tomtom215/herald/internal/config"
	"github.com/tomtom215/herald/internal/models"
)

// Fingerprint digests the watched subset of attrs. Field order and map
// iteration order do not affect the result, and unwatched fields never do.
func Fingerprint(attrs *models.TechnicalAttributes, watch *config.DetectorConfig) string {
	parts := make([]string, 0, 8+len(attrs.ExternalIDs))
	if watch.WatchResolution {
		parts = append(parts, "height="+strconv.Itoa(attrs.Height))
	}
	if watch.WatchVideoCodec {
		parts = append(parts, "video_codec="+normCodec(attrs.VideoCodec))
	}
	if watch.WatchAudioCodec {
		parts = append(parts, "audio_codec="+normCodec(attrs.AudioCodec))
	}
	if watch.WatchAudioChannels {
		parts = append(parts, "audio_channels="+strconv.Itoa(attrs.AudioChannels))
	}
	if watch.WatchHDR {
		parts = append(parts, "hdr="+hdrLabel(attrs))
	}
	if watch.WatchFileSize {
		parts = append(parts, "file_size="+strconv.FormatInt(attrs.FileSize, 10))
	}
	if watch.WatchExternalIDs {
		for k, v := range attrs.ExternalIDs {
			parts = append(parts, "external_id."+strings.ToLower(k)+"="+v)
		}
	}
	sort.Strings(parts)

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normCodec(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// hdrLabel is "SDR" or the HDR flavour.
func hdrLabel(a *models.TechnicalAttributes) string {
	if !a.HDR {
		return "SDR"
	}
	if a.HDRType == "" {
		return "HDR"
	}
	return a.HDRType
}
