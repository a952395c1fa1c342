package ytdlp

import (
	"fmt"

	"github.com/ytget/dlengine/internal/model"
)

// FormatSelector builds the encoding-selector expression with an explicit
// fallback chain, so a stale format id degrades to a height-bounded best
// rather than hard-failing the job.
func FormatSelector(q model.QualityOption) string {
	if q.AudioOnly {
		if q.FormatID != "" {
			return fmt.Sprintf("%s/bestaudio/best", q.FormatID)
		}
		return "bestaudio/best"
	}
	if q.FormatID == "" {
		return "best"
	}
	if q.NeedsMerge && q.AudioFormatID != "" {
		return fmt.Sprintf("%s+%s/bestvideo[height<=%d]+bestaudio/best",
			q.FormatID, q.AudioFormatID, q.Resolution)
	}
	if q.Resolution > 0 {
		return fmt.Sprintf("%s/best[height<=%d]/best", q.FormatID, q.Resolution)
	}
	return fmt.Sprintf("%s/best", q.FormatID)
}

// BuildArgs translates job options and the chosen quality into the yt-dlp
// command line for one download. outputTemplate is the full -o value.
func BuildArgs(opts model.DownloadOptions, q model.QualityOption, outputTemplate, ffmpegBinary string) []string {
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-warnings",
		"-o", outputTemplate,
		"-f", FormatSelector(q),
	}

	// Merge flags only when video and audio arrive as separate streams and a
	// merge tool is available; mp4 avoids the vp9-in-mp4 copy incompatibility
	// because the selector prefers matching container families.
	if q.NeedsMerge && ffmpegBinary != "" {
		args = append(args,
			"--merge-output-format", "mp4",
			"--ffmpeg-location", ffmpegBinary)
	}
	if q.AudioOnly {
		args = append(args, "-x")
	}

	if opts.EmbedSubtitles {
		args = append(args, "--embed-subs")
	}
	if opts.EmbedThumbnail {
		args = append(args, "--embed-thumbnail")
	}
	if opts.EmbedMetadata {
		args = append(args, "--embed-metadata")
	}
	if opts.RateLimit != "" {
		args = append(args, "-r", opts.RateLimit)
	}
	if opts.Proxy != "" {
		args = append(args, "--proxy", opts.Proxy)
	}
	if opts.CookieFile != "" {
		args = append(args, "--cookies", opts.CookieFile)
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent", opts.UserAgent)
	}
	if opts.Verbose {
		args = append(args, "-v")
	}

	args = append(args, opts.URL)
	return args
}
