package model

import (
	"fmt"
	"strings"
	"time"
)

// DownloadOptions are the caller-supplied settings for a job. They are
// immutable once the job is created.
type DownloadOptions struct {
	URL            string
	Filename       string // explicit output filename, empty to derive
	OutputDir      string // explicit output directory, empty to categorize
	Quality        string // quality/format selector (e.g. "1080p", format id)
	AudioOnly      bool
	EmbedSubtitles bool
	EmbedThumbnail bool
	EmbedMetadata  bool
	RateLimit      string // e.g. "2M", empty for unlimited
	Proxy          string
	CookieFile     string
	UserAgent      string
	Verbose        bool
}

// DownloadProgress is a frequently-overwritten view of a job's progress.
type DownloadProgress struct {
	Percent         float64 // 0..100
	DownloadedBytes int64   // 0 until known
	TotalBytes      int64   // 0 until known
	Speed           float64 // bytes per second
	SpeedStr        string  // human readable, e.g. "1.2 MB/s"
	ETASec          int     // -1 if unknown
	ETAStr          string
	Filename        string // resolved filename, empty until known
}

// ETAString returns the ETA formatted as hh:mm:ss, or "—" if unknown.
func (p *DownloadProgress) ETAString() string {
	if p.ETASec <= 0 {
		return "—"
	}
	hours := p.ETASec / 3600
	minutes := (p.ETASec % 3600) / 60
	seconds := p.ETASec % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ClampPercent clamps v into [0,100].
func ClampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// DownloadItem is the job record. It is owned exclusively by the adapter
// that created it; callers only ever see value copies.
type DownloadItem struct {
	ID          string
	URL         string
	Options     DownloadOptions
	Status      Status
	Progress    DownloadProgress
	OutputDir   string
	Filename    string
	Title       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastError   string
	RetryCount  int
}

// DisplayTitle returns the title, filename, or URL in order of preference.
func (it *DownloadItem) DisplayTitle() string {
	if it.Title != "" && !strings.HasPrefix(it.Title, "http") {
		return it.Title
	}
	if it.Filename != "" {
		name := it.Filename
		if idx := strings.LastIndex(name, "."); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return it.URL
}
