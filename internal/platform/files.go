package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// File permissions
const (
	DefaultDirPermissions = 0o755
)

// Category names used for the on-disk layout under the app folder.
const (
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryPlaylist = "playlist"
	CategoryDocument = "document"
	CategoryArchive  = "archive"
	CategoryProgram  = "program"
	CategoryOther    = "other"
)

// Extension tables for categorization.
var (
	VideoExtensions    = []string{".mp4", ".mkv", ".webm", ".avi", ".mov", ".flv", ".wmv", ".ts", ".m4v"}
	AudioExtensions    = []string{".mp3", ".m4a", ".aac", ".flac", ".ogg", ".opus", ".wav", ".wma"}
	DocumentExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt", ".epub", ".csv"}
	ArchiveExtensions  = []string{".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz", ".iso"}
	ProgramExtensions  = []string{".exe", ".msi", ".dmg", ".pkg", ".deb", ".rpm", ".apk", ".appimage"}
	ImageExtensions    = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg"}
)

// Sidecar suffixes the external tools leave next to in-progress files.
var PartialSuffixes = []string{".part", ".ytdl", ".aria2", ".tmp", ".temp", ".download"}

// Intermediate fragment markers yt-dlp inserts before the extension while a
// merge is pending, e.g. "title.f137.mp4".
var intermediateMarkers = []string{".f", ".temp"}

// Deletion retry tuning.
const (
	deleteRetryInitial = 200 * time.Millisecond
	deleteRetryMax     = 2 * time.Second
	deleteMaxRetries   = 5
	deferredDeleteWait = 10 * time.Second
)

// CategoryFor returns the category folder for a filename based on its
// extension. Unknown extensions map to "other".
func CategoryFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case contains(VideoExtensions, ext):
		return CategoryVideo
	case contains(AudioExtensions, ext):
		return CategoryAudio
	case contains(DocumentExtensions, ext):
		return CategoryDocument
	case contains(ArchiveExtensions, ext):
		return CategoryArchive
	case contains(ProgramExtensions, ext):
		return CategoryProgram
	default:
		return CategoryOther
	}
}

// HasKnownExtension reports whether filename ends in any extension the
// engine recognizes as a raw downloadable file. Images categorize as
// "other" on disk but still count as direct files here.
func HasKnownExtension(filename string) bool {
	if CategoryFor(filename) != CategoryOther {
		return true
	}
	return contains(ImageExtensions, strings.ToLower(filepath.Ext(filename)))
}

// CategoryDir returns baseDir/<category-for-filename>, creating it.
func CategoryDir(baseDir, filename string) (string, error) {
	dir := filepath.Join(baseDir, CategoryFor(filename))
	if err := CreateDirectoryIfNotExists(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// CreateDirectoryIfNotExists creates the directory if it doesn't exist.
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// ErrSkipExisting is returned by ResolveConflict under the skip policy when
// the target file already exists.
var ErrSkipExisting = fmt.Errorf("target file already exists")

// ConflictPolicy mirrors config.ConflictPolicy without importing it.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictRename    ConflictPolicy = "rename"
)

// ResolveConflict applies the on-conflict policy to dir/filename and returns
// the filename to use. Under rename the name gets a " (n)" suffix before the
// extension; under overwrite the existing file is removed up front.
func ResolveConflict(dir, filename string, policy ConflictPolicy) (string, error) {
	target := filepath.Join(dir, filename)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return filename, nil
	}

	switch policy {
	case ConflictSkip:
		return "", ErrSkipExisting
	case ConflictOverwrite:
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("remove existing file: %w", err)
		}
		return filename, nil
	default:
		return uniqueName(dir, filename), nil
	}
}

// uniqueName finds the first "name (n).ext" that does not exist yet.
func uniqueName(dir, filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// RemoveWithRetry deletes path with capped exponential backoff. On platforms
// with aggressive file-handle retention the file may still be locked after
// all attempts; in that case it is renamed aside to break the lock and a
// deferred deletion attempt is scheduled instead of leaking the file.
func RemoveWithRetry(path string) error {
	op := func() error {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = deleteRetryInitial
	bo.MaxInterval = deleteRetryMax

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, deleteMaxRetries))
	if err == nil {
		return nil
	}

	// Rename-then-delete: a rename usually succeeds even while a reader
	// still holds the old path open.
	aside := path + ".deleted." + fmt.Sprint(time.Now().UnixNano())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	go func() {
		time.Sleep(deferredDeleteWait)
		_ = os.Remove(aside)
	}()
	return nil
}

// RemoveFileAndPartials deletes path plus every known in-progress sidecar
// variant next to it. Best-effort; the first hard failure is returned but
// remaining variants are still attempted.
func RemoveFileAndPartials(path string) error {
	var firstErr error
	targets := append([]string{path}, sidecarPaths(path)...)
	for _, t := range targets {
		if err := RemoveWithRetry(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sidecarPaths(path string) []string {
	out := make([]string, 0, len(PartialSuffixes))
	for _, suffix := range PartialSuffixes {
		out = append(out, path+suffix)
	}
	return out
}

// ResolveFinalFile scans dir for the newest regular file whose name starts
// with the base of templated (intermediate suffixes stripped) and is not a
// partial. The extraction tool renames output mid-flight, so the recorded
// destination may no longer exist at completion time.
func ResolveFinalFile(dir, templated string) (string, error) {
	base := baseNamePattern(templated)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var bestName string
	var bestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || isPartialName(entry.Name()) {
			continue
		}
		if base != "" && !strings.HasPrefix(stripExt(entry.Name()), base) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if bestName == "" || info.ModTime().After(bestTime) {
			bestName = entry.Name()
			bestTime = info.ModTime()
		}
	}
	if bestName == "" {
		return "", fmt.Errorf("no finished file matching %q in %s", templated, dir)
	}
	return filepath.Join(dir, bestName), nil
}

// baseNamePattern strips the extension and any intermediate fragment marker
// ("title.f137" -> "title") from a recorded destination name.
func baseNamePattern(name string) string {
	base := stripExt(filepath.Base(name))
	for _, marker := range intermediateMarkers {
		if idx := strings.LastIndex(base, marker); idx > 0 {
			tail := base[idx+len(marker):]
			if tail == "" || isDigits(tail) {
				base = base[:idx]
			}
		}
	}
	return base
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func isPartialName(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range PartialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, ".deleted.")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
