package ytdlp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ytget/dlengine/internal/model"
)

// Codec efficiency ranking for tie-breaking within a resolution group.
// Higher is better.
func codecRank(codec string) int {
	switch {
	case strings.HasPrefix(codec, "av01"):
		return 3
	case strings.HasPrefix(codec, "vp9"), strings.HasPrefix(codec, "vp09"):
		return 2
	case strings.HasPrefix(codec, "avc1"), strings.HasPrefix(codec, "h264"):
		return 1
	default:
		return 0
	}
}

// Audio container family preference: mp4-family audio merges cleanly into
// mp4 video without a re-encode.
func audioFamilyRank(ext string) int {
	switch ext {
	case "m4a", "mp4", "aac":
		return 2
	case "webm", "opus", "ogg":
		return 1
	default:
		return 0
	}
}

// unreliableProtocol reports protocols excluded from selection entirely.
func unreliableProtocol(protocol string) bool {
	return strings.HasPrefix(protocol, "m3u8")
}

// BuildQualityOptions derives the user-selectable quality list from the raw
// format inventory: one option per vertical resolution, descending, with an
// audio-only option appended last. The first option is the implicit default.
func BuildQualityOptions(info *model.VideoInfo) []model.QualityOption {
	var videoOnly, audioOnly, combined []model.FormatInfo
	for _, f := range info.Formats {
		if unreliableProtocol(f.Protocol) {
			continue
		}
		switch {
		case f.HasVideo() && f.HasAudio():
			combined = append(combined, f)
		case f.HasVideo():
			videoOnly = append(videoOnly, f)
		case f.HasAudio():
			audioOnly = append(audioOnly, f)
		}
	}

	bestAudio := pickBestAudio(audioOnly)

	// Group by vertical resolution; combined streams beat video-only ones so
	// the job can skip the merge step.
	groups := make(map[int]model.FormatInfo)
	isCombined := make(map[int]bool)
	consider := func(f model.FormatInfo, muxed bool) {
		current, seen := groups[f.Resolution]
		switch {
		case !seen:
		case isCombined[f.Resolution] && !muxed:
			return
		case !isCombined[f.Resolution] && muxed:
		case !betterVideo(f, current):
			return
		}
		groups[f.Resolution] = f
		isCombined[f.Resolution] = muxed
	}
	for _, f := range combined {
		consider(f, true)
	}
	for _, f := range videoOnly {
		consider(f, false)
	}

	resolutions := make([]int, 0, len(groups))
	for res := range groups {
		if res > 0 {
			resolutions = append(resolutions, res)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(resolutions)))

	options := make([]model.QualityOption, 0, len(resolutions)+1)
	for _, res := range resolutions {
		f := groups[res]
		opt := model.QualityOption{
			Label:      fmt.Sprintf("%dp", res),
			Resolution: res,
			FormatID:   f.ID,
		}
		if isCombined[res] {
			opt.EstimatedSize = estimateSize(f, info.Duration)
		} else if bestAudio != nil {
			opt.AudioFormatID = bestAudio.ID
			opt.NeedsMerge = true
			opt.EstimatedSize = estimateSize(f, info.Duration) + estimateSize(*bestAudio, info.Duration)
		} else {
			opt.EstimatedSize = estimateSize(f, info.Duration)
		}
		options = append(options, opt)
	}

	if bestAudio != nil {
		options = append(options, model.QualityOption{
			Label:         "Audio only",
			FormatID:      bestAudio.ID,
			AudioOnly:     true,
			EstimatedSize: estimateSize(*bestAudio, info.Duration),
		})
	}
	return options
}

// betterVideo compares two same-resolution, same-muxing formats.
func betterVideo(a, b model.FormatInfo) bool {
	if ra, rb := codecRank(a.VideoCodec), codecRank(b.VideoCodec); ra != rb {
		return ra > rb
	}
	if a.FPS != b.FPS {
		return a.FPS > b.FPS
	}
	return a.Bitrate > b.Bitrate
}

// pickBestAudio chooses the audio stream by container family, then bitrate.
func pickBestAudio(formats []model.FormatInfo) *model.FormatInfo {
	var best *model.FormatInfo
	for i := range formats {
		f := &formats[i]
		if best == nil {
			best = f
			continue
		}
		if ra, rb := audioFamilyRank(f.Ext), audioFamilyRank(best.Ext); ra != rb {
			if ra > rb {
				best = f
			}
			continue
		}
		if f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best
}

// estimateSize returns the measured size when the tool reports one, else the
// tool's own approximation, else bitrate x duration.
func estimateSize(f model.FormatInfo, duration float64) int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	if f.FilesizeApprox > 0 {
		return f.FilesizeApprox
	}
	if f.Bitrate > 0 && duration > 0 {
		return int64(f.Bitrate * 1000 / 8 * duration)
	}
	return 0
}

// SelectQuality resolves a caller's quality string ("1080p", "720", a format
// id, or empty) against the derived option list. Empty or unmatched selectors
// fall back to the first (default) option; the audio-only flag always wins.
func SelectQuality(options []model.QualityOption, selector string, audioOnly bool) (model.QualityOption, bool) {
	if len(options) == 0 {
		return model.QualityOption{}, false
	}
	if audioOnly {
		for _, opt := range options {
			if opt.AudioOnly {
				return opt, true
			}
		}
	}
	selector = strings.TrimSpace(selector)
	if selector != "" {
		wantRes, _ := strconv.Atoi(strings.TrimSuffix(strings.ToLower(selector), "p"))
		for _, opt := range options {
			if opt.FormatID == selector || (wantRes > 0 && opt.Resolution == wantRes) {
				return opt, true
			}
		}
	}
	for _, opt := range options {
		if !opt.AudioOnly {
			return opt, true
		}
	}
	return options[0], true
}
