package ytdlp

import (
	"fmt"
	"strings"
)

// errorSignature maps a known stderr fragment to an actionable message.
type errorSignature struct {
	fragment string
	message  string
}

// Signatures are checked in order; the first match wins.
var errorSignatures = []errorSignature{
	{"unable to extract", "The extractor could not parse this page. Update yt-dlp and try again."},
	{"video unavailable", "This video is unavailable. It may be private, deleted, or region-locked."},
	{"sign in to confirm your age", "This video is age-restricted. Provide a cookie file from a signed-in browser session."},
	{"age-restricted", "This video is age-restricted. Provide a cookie file from a signed-in browser session."},
	{"confirm you're not a bot", "The platform requires verification. Provide a cookie file from a signed-in browser session."},
	{"downloaded file is empty", "The download produced an empty file. The source may be broken; try another quality."},
	{"no space left on device", "Not enough disk space to finish the download."},
	{"permission denied", "Cannot write to the output directory. Check folder permissions."},
	{"has already been downloaded", "The file already exists in the output directory."},
	{"unsupported url", "This URL is not supported by the extractor."},
	{"is not a valid url", "This URL is not valid."},
}

// MapStderr scans collected stderr lines for known failure signatures and
// returns a user-facing message. Unmatched output falls back to the last
// stderr line, then to the exit error.
func MapStderr(lines []string, exitErr error) string {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, sig := range errorSignatures {
			if strings.Contains(lower, sig.fragment) {
				return sig.message
			}
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return strings.TrimPrefix(line, "ERROR: ")
		}
	}
	if exitErr != nil {
		return fmt.Sprintf("extractor failed: %v", exitErr)
	}
	return "extractor failed"
}
