package ytdlp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ytget/dlengine/internal/model"
)

// LineKind is the classification of one output line.
type LineKind int

const (
	LineIgnored LineKind = iota
	LineProgress
	LineDestination
	LineAlreadyDownloaded
	LineMergeStart
)

// ProgressEvent is the structured form of one recognized output line.
type ProgressEvent struct {
	Kind       LineKind
	Percent    float64 // valid for LineProgress
	TotalBytes int64   // 0 if unknown or approximate-only
	SpeedBytes float64 // bytes/s, 0 if unknown
	ETASec     int     // -1 if unknown
	Path       string  // valid for LineDestination/LineAlreadyDownloaded/LineMergeStart
}

// Output line shapes recognized from yt-dlp's --newline stream.
var (
	// [download]  42.5% of 123.45MiB at 2.34MiB/s ETA 00:12
	// [download] 100.0% of ~1.20GiB at Unknown speed ETA Unknown
	progressRe = regexp.MustCompile(
		`^\[download\]\s+([\d.]+)%(?:\s+of\s+(~?)([\d.]+[KMGTP]?i?B))?(?:\s+at\s+([\d.]+[KMGTP]?i?B)/s|\s+at\s+Unknown\s+speed)?(?:\s+ETA\s+([\d:]+|Unknown))?`)

	// [download] Destination: /path/video.f137.mp4
	destinationRe = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)

	// [download] /path/video.mp4 has already been downloaded
	alreadyRe = regexp.MustCompile(`^\[download\]\s+(.+?)\s+has already been downloaded`)

	// [Merger] Merging formats into "/path/video.mp4"
	mergeRe = regexp.MustCompile(`^\[(?:Merger|ffmpeg)\]\s+Merging formats into\s+"(.+)"`)
)

// ClassifyLine matches one output line against the known announcement kinds.
// Unrecognized lines come back as LineIgnored.
func ClassifyLine(line string) ProgressEvent {
	line = strings.TrimSpace(line)

	if m := destinationRe.FindStringSubmatch(line); m != nil {
		return ProgressEvent{Kind: LineDestination, Path: m[1]}
	}
	if m := alreadyRe.FindStringSubmatch(line); m != nil {
		return ProgressEvent{Kind: LineAlreadyDownloaded, Path: m[1]}
	}
	if m := mergeRe.FindStringSubmatch(line); m != nil {
		return ProgressEvent{Kind: LineMergeStart, Path: m[1]}
	}
	if m := progressRe.FindStringSubmatch(line); m != nil {
		ev := ProgressEvent{Kind: LineProgress, ETASec: -1}
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			ev.Percent = model.ClampPercent(pct)
		}
		// Approximate totals (the "~" prefix) are hints only; byte counts
		// derived from them would jump when the real total appears.
		if m[2] != "~" && m[3] != "" {
			if total, err := humanize.ParseBytes(m[3]); err == nil {
				ev.TotalBytes = int64(total)
			}
		}
		if m[4] != "" {
			if speed, err := humanize.ParseBytes(m[4]); err == nil {
				ev.SpeedBytes = float64(speed)
			}
		}
		if m[5] != "" && m[5] != "Unknown" {
			ev.ETASec = parseClock(m[5])
		}
		return ev
	}
	return ProgressEvent{Kind: LineIgnored}
}

// parseClock converts "mm:ss" or "hh:mm:ss" into seconds, -1 on failure.
func parseClock(s string) int {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return -1
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return -1
		}
		total = total*60 + n
	}
	return total
}
