package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/model"
)

const (
	// DefaultProbeTimeout bounds one metadata invocation.
	DefaultProbeTimeout = 60 * time.Second

	// maxPlaylistEntries bounds how many playlist entries a probe returns.
	maxPlaylistEntries = 200

	playlistParam  = "list="
	paramSeparator = "&"

	watchURLTemplate = "https://www.youtube.com/watch?v=%s"
)

// runnerFunc executes the tool and returns its stdout. Tests substitute it.
type runnerFunc func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).Output()
}

// Prober invokes the extractor in metadata-only mode and normalizes its JSON
// dump into a MediaInfo.
type Prober struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
	run     runnerFunc
}

// NewProber creates a metadata prober using the given yt-dlp binary.
func NewProber(binary string, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		binary:  binary,
		timeout: DefaultProbeTimeout,
		logger:  logger.Named("ytdlp"),
		run:     execRunner,
	}
}

// SetTimeout overrides the per-probe timeout.
func (p *Prober) SetTimeout(timeout time.Duration) { p.timeout = timeout }

// Probe fetches metadata for a URL. Playlist URLs are probed in flat mode,
// which lists entries without resolving each video's formats.
func (p *Prober) Probe(ctx context.Context, url string) (model.MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"-J", "--no-warnings"}
	playlist := strings.Contains(url, playlistParam)
	if playlist {
		args = append(args, "--flat-playlist")
	} else {
		args = append(args, "--no-playlist")
	}
	args = append(args, url)

	out, err := p.run(ctx, p.binary, args...)
	if err != nil {
		return model.MediaInfo{}, fmt.Errorf("probe %s: %w", url, err)
	}

	var raw rawInfo
	if err := json.Unmarshal(out, &raw); err != nil {
		return model.MediaInfo{}, fmt.Errorf("probe %s: parse metadata: %w", url, err)
	}

	if raw.Type == "playlist" || len(raw.Entries) > 0 {
		return model.MediaInfo{IsPlaylist: true, Playlist: p.normalizePlaylist(url, &raw)}, nil
	}
	return model.MediaInfo{Video: normalizeVideo(&raw)}, nil
}

// rawInfo mirrors the subset of yt-dlp's -J output the engine consumes.
type rawInfo struct {
	Type      string      `json:"_type"`
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Duration  float64     `json:"duration"`
	Uploader  string      `json:"uploader"`
	Thumbnail string      `json:"thumbnail"`
	Formats   []rawFormat `json:"formats"`
	Entries   []rawEntry  `json:"entries"`
}

type rawFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Protocol       string  `json:"protocol"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	TBR            float64 `json:"tbr"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

type rawEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

func normalizeVideo(raw *rawInfo) *model.VideoInfo {
	info := &model.VideoInfo{
		ID:        raw.ID,
		Title:     raw.Title,
		Duration:  raw.Duration,
		Uploader:  raw.Uploader,
		Thumbnail: raw.Thumbnail,
	}
	for _, f := range raw.Formats {
		info.Formats = append(info.Formats, model.FormatInfo{
			ID:             f.FormatID,
			Ext:            f.Ext,
			Protocol:       f.Protocol,
			Resolution:     f.Height,
			FPS:            f.FPS,
			VideoCodec:     f.VCodec,
			AudioCodec:     f.ACodec,
			Bitrate:        f.TBR,
			Filesize:       f.Filesize,
			FilesizeApprox: f.FilesizeApprox,
		})
	}
	info.Qualities = BuildQualityOptions(info)
	return info
}

func (p *Prober) normalizePlaylist(url string, raw *rawInfo) *model.PlaylistInfo {
	pl := &model.PlaylistInfo{
		ID:       raw.ID,
		Title:    raw.Title,
		Uploader: raw.Uploader,
	}
	if pl.ID == "" {
		pl.ID = ExtractPlaylistID(url)
	}
	if pl.Title == "" {
		pl.Title = "Playlist " + pl.ID
	}
	pl.TotalCount = len(raw.Entries)

	entries := raw.Entries
	if len(entries) > maxPlaylistEntries {
		p.logger.Warn("playlist truncated",
			zap.String("id", pl.ID), zap.Int("total", len(entries)), zap.Int("kept", maxPlaylistEntries))
		entries = entries[:maxPlaylistEntries]
	}
	for i, e := range entries {
		entryURL := e.URL
		if entryURL == "" && e.ID != "" {
			entryURL = fmt.Sprintf(watchURLTemplate, e.ID)
		}
		pl.Videos = append(pl.Videos, model.PlaylistEntry{
			Index:    i + 1,
			ID:       e.ID,
			Title:    e.Title,
			URL:      entryURL,
			Duration: e.Duration,
		})
	}
	return pl
}

// ExtractPlaylistID pulls the playlist id out of a "list=" URL parameter,
// returning "" when the URL carries none.
func ExtractPlaylistID(url string) string {
	if !strings.Contains(url, playlistParam) {
		return ""
	}
	parts := strings.Split(url, playlistParam)
	if len(parts) < 2 {
		return ""
	}
	id := parts[1]
	if strings.Contains(id, paramSeparator) {
		id = strings.Split(id, paramSeparator)[0]
	}
	return id
}
