package ytdlp

import (
	"errors"
	"strings"
	"testing"
)

func TestMapStderr(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		contains string
	}{
		{
			name:     "extractor parse failure",
			lines:    []string{"ERROR: [youtube] abc: Unable to extract player version"},
			contains: "Update yt-dlp",
		},
		{
			name:     "unavailable",
			lines:    []string{"ERROR: [youtube] abc: Video unavailable"},
			contains: "unavailable",
		},
		{
			name:     "age restriction",
			lines:    []string{"ERROR: Sign in to confirm your age"},
			contains: "cookie file",
		},
		{
			name:     "empty file",
			lines:    []string{"ERROR: The downloaded file is empty"},
			contains: "empty file",
		},
		{
			name:     "disk full",
			lines:    []string{"OSError: [Errno 28] No space left on device"},
			contains: "disk space",
		},
		{
			name:     "unmatched falls back to last line",
			lines:    []string{"warning: something", "ERROR: mysterious breakage"},
			contains: "mysterious breakage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapStderr(tt.lines, errors.New("exit status 1"))
			if !strings.Contains(got, tt.contains) {
				t.Errorf("MapStderr() = %q, want substring %q", got, tt.contains)
			}
		})
	}
}

func TestMapStderr_NoOutputUsesExitError(t *testing.T) {
	got := MapStderr(nil, errors.New("exit status 2"))
	if !strings.Contains(got, "exit status 2") {
		t.Errorf("MapStderr() = %q, want exit error", got)
	}
}
