package ytdlp

import (
	"strings"
	"testing"

	"github.com/ytget/dlengine/internal/model"
)

func TestFormatSelector(t *testing.T) {
	tests := []struct {
		name string
		q    model.QualityOption
		want string
	}{
		{
			name: "merge pair with fallback chain",
			q:    model.QualityOption{FormatID: "248", AudioFormatID: "140", Resolution: 1080, NeedsMerge: true},
			want: "248+140/bestvideo[height<=1080]+bestaudio/best",
		},
		{
			name: "muxed with height bound",
			q:    model.QualityOption{FormatID: "22", Resolution: 720},
			want: "22/best[height<=720]/best",
		},
		{
			name: "audio only",
			q:    model.QualityOption{FormatID: "140", AudioOnly: true},
			want: "140/bestaudio/best",
		},
		{
			name: "audio only without id",
			q:    model.QualityOption{AudioOnly: true},
			want: "bestaudio/best",
		},
		{
			name: "no format known",
			q:    model.QualityOption{},
			want: "best",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatSelector(tt.q); got != tt.want {
				t.Errorf("selector = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	opts := model.DownloadOptions{
		URL:            "https://example.com/watch?v=abc",
		RateLimit:      "2M",
		Proxy:          "socks5://127.0.0.1:9050",
		CookieFile:     "/tmp/cookies.txt",
		EmbedSubtitles: true,
	}
	q := model.QualityOption{FormatID: "248", AudioFormatID: "140", Resolution: 1080, NeedsMerge: true}

	args := BuildArgs(opts, q, "/dl/%(title)s.%(ext)s", "/usr/bin/ffmpeg")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--newline",
		"--no-playlist",
		"-o /dl/%(title)s.%(ext)s",
		"-f 248+140/bestvideo[height<=1080]+bestaudio/best",
		"--merge-output-format mp4",
		"--ffmpeg-location /usr/bin/ffmpeg",
		"--embed-subs",
		"-r 2M",
		"--proxy socks5://127.0.0.1:9050",
		"--cookies /tmp/cookies.txt",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q in %q", want, joined)
		}
	}
	if args[len(args)-1] != opts.URL {
		t.Errorf("last arg = %q, want the URL", args[len(args)-1])
	}
}

func TestBuildArgs_NoMergeFlagsWithoutFFmpeg(t *testing.T) {
	q := model.QualityOption{FormatID: "248", AudioFormatID: "140", Resolution: 1080, NeedsMerge: true}
	args := BuildArgs(model.DownloadOptions{URL: "https://example.com/v"}, q, "/dl/out.mp4", "")

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--merge-output-format") {
		t.Error("merge flags must be omitted when no ffmpeg is available")
	}
}

func TestBuildArgs_MuxedNeedsNoMergeFlags(t *testing.T) {
	q := model.QualityOption{FormatID: "22", Resolution: 720}
	args := BuildArgs(model.DownloadOptions{URL: "https://example.com/v"}, q, "/dl/out.mp4", "/usr/bin/ffmpeg")

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--merge-output-format") {
		t.Error("muxed stream must not get merge flags")
	}
}
