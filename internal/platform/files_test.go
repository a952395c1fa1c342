package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		filename string
		expected string
	}{
		{"movie.mp4", CategoryVideo},
		{"movie.MKV", CategoryVideo},
		{"song.mp3", CategoryAudio},
		{"track.opus", CategoryAudio},
		{"paper.pdf", CategoryDocument},
		{"bundle.tar", CategoryArchive},
		{"setup.exe", CategoryProgram},
		{"mystery.xyz", CategoryOther},
		{"no-extension", CategoryOther},
	}

	for _, test := range tests {
		if got := CategoryFor(test.filename); got != test.expected {
			t.Errorf("CategoryFor(%q) = %q, expected %q", test.filename, got, test.expected)
		}
	}
}

func TestResolveConflict(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	t.Run("no conflict passes through", func(t *testing.T) {
		name, err := ResolveConflict(dir, "fresh.mp4", ConflictRename)
		require.NoError(t, err)
		assert.Equal(t, "fresh.mp4", name)
	})

	t.Run("skip", func(t *testing.T) {
		_, err := ResolveConflict(dir, "video.mp4", ConflictSkip)
		assert.ErrorIs(t, err, ErrSkipExisting)
	})

	t.Run("rename", func(t *testing.T) {
		name, err := ResolveConflict(dir, "video.mp4", ConflictRename)
		require.NoError(t, err)
		assert.Equal(t, "video (1).mp4", name)

		// A second conflicting file bumps the suffix.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "video (1).mp4"), []byte("x"), 0o644))
		name, err = ResolveConflict(dir, "video.mp4", ConflictRename)
		require.NoError(t, err)
		assert.Equal(t, "video (2).mp4", name)
	})

	t.Run("overwrite removes existing", func(t *testing.T) {
		name, err := ResolveConflict(dir, "video.mp4", ConflictOverwrite)
		require.NoError(t, err)
		assert.Equal(t, "video.mp4", name)
		_, statErr := os.Stat(existing)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestRemoveFileAndPartials(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(main, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(main+".part", []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(main+".aria2", []byte("x"), 0o644))

	require.NoError(t, RemoveFileAndPartials(main))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveWithRetry_MissingFileIsSuccess(t *testing.T) {
	assert.NoError(t, RemoveWithRetry(filepath.Join(t.TempDir(), "ghost.mp4")))
}

func TestResolveFinalFile(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, when time.Time) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(path, when, when))
	}

	now := time.Now()
	write("My Title.f137.mp4.part", now.Add(-2*time.Minute)) // partial, skipped
	write("My Title.webm", now.Add(-1*time.Minute))
	write("My Title.mp4", now) // newest finished match wins

	got, err := ResolveFinalFile(dir, "My Title.f137.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "My Title.mp4"), got)
}

func TestResolveFinalFile_NoMatch(t *testing.T) {
	_, err := ResolveFinalFile(t.TempDir(), "missing.mp4")
	assert.Error(t, err)
}

func TestBaseNamePattern(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"My Title.f137.mp4", "My Title"},
		{"My Title.temp.mp4", "My Title"},
		{"My Title.mp4", "My Title"},
		{"archive.tar.gz", "archive.tar"},
	}

	for _, test := range tests {
		if got := baseNamePattern(test.in); got != test.expected {
			t.Errorf("baseNamePattern(%q) = %q, expected %q", test.in, got, test.expected)
		}
	}
}
