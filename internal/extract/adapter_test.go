package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/config"
	"github.com/ytget/dlengine/internal/events"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/ytdlp"
)

// fakeProc is a scriptable ProcessHandle.
type fakeProc struct {
	mu         sync.Mutex
	waitCh     chan error
	killed     bool
	holdOnKill bool
	stderr     []string
	onEvent    func(ytdlp.ProgressEvent)
}

func (p *fakeProc) Wait() error { return <-p.waitCh }

func (p *fakeProc) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return
	}
	p.killed = true
	if p.holdOnKill {
		// Exit stays in the test's hands, via exit().
		return
	}
	// A killed process exits promptly with a non-zero code.
	go func() { p.waitCh <- errors.New("signal: killed") }()
}

// holdKillExit makes Kill record the signal without exiting, so the test
// controls when Wait returns.
func (p *fakeProc) holdKillExit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdOnKill = true
}

func (p *fakeProc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProc) StderrLines() []string { return p.stderr }

func (p *fakeProc) emit(ev ytdlp.ProgressEvent) { p.onEvent(ev) }

func (p *fakeProc) exit(err error) { p.waitCh <- err }

// fakeSpawner hands out fakeProcs in spawn order.
type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (s *fakeSpawner) spawn(_ string, _ []string, onEvent func(ytdlp.ProgressEvent), _ *zap.Logger) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProc{waitCh: make(chan error, 1), onEvent: onEvent}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// proc waits for the nth spawned process to exist.
func (s *fakeSpawner) proc(t *testing.T, n int) *fakeProc {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.procs) > n {
			p := s.procs[n]
			s.mu.Unlock()
			return p
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d never spawned", n)
	return nil
}

type fakeProber struct {
	info model.MediaInfo
	err  error
}

func (f *fakeProber) Probe(context.Context, string) (model.MediaInfo, error) {
	return f.info, f.err
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSpawner, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.MaxConcurrent = 2
	cfg.MinFreeDiskBytes = 1
	store := config.NewStore(cfg)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	adapter := New(&fakeProber{}, store, bus, nil)
	spawner := &fakeSpawner{}
	adapter.spawn = spawner.spawn
	return adapter, spawner, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStart_RejectsInvalidURL(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	_, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "file:///etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestStart_DuplicateURLReturnsExisting(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)

	first, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	spawner.proc(t, 0)

	second, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, spawner.count())
}

func TestProgress_FirstSampleGuardAndMonotonic(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)

	item, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	proc := spawner.proc(t, 0)

	// Implausibly high first sample is discarded.
	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineProgress, Percent: 87, TotalBytes: 1000})
	got, _ := adapter.Get(item.ID)
	assert.Zero(t, got.Progress.Percent)

	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineProgress, Percent: 10, TotalBytes: 1000, ETASec: 30})
	got, _ = adapter.Get(item.ID)
	assert.InDelta(t, 10.0, got.Progress.Percent, 0.01)
	assert.Equal(t, int64(100), got.Progress.DownloadedBytes, "bytes derived from percent x total")
	assert.Equal(t, 30, got.Progress.ETASec)

	// Percent never decreases within one run.
	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineProgress, Percent: 5, TotalBytes: 1000})
	got, _ = adapter.Get(item.ID)
	assert.InDelta(t, 10.0, got.Progress.Percent, 0.01)
}

func TestMerge_TransitionsToMergingAndSurvivesNonZeroExit(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)
	dir := t.TempDir()

	item, err := adapter.Start(context.Background(), model.DownloadOptions{
		URL:       "https://example.com/watch?v=a",
		OutputDir: dir,
	})
	require.NoError(t, err)
	proc := spawner.proc(t, 0)

	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineProgress, Percent: 40, TotalBytes: 1000})
	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineMergeStart, Path: dir + "/video.mp4"})

	got, _ := adapter.Get(item.ID)
	assert.Equal(t, model.StatusMerging, got.Status)

	// Non-zero exit after reaching MERGING still counts as success.
	proc.exit(errors.New("exit status 1"))
	waitFor(t, func() bool {
		got, _ := adapter.Get(item.ID)
		return got.Status == model.StatusCompleted
	})
	got, _ = adapter.Get(item.ID)
	assert.Equal(t, 100.0, got.Progress.Percent)
}

func TestFailure_RetriesOnceThenFails(t *testing.T) {
	adapter, spawner, bus := newTestAdapter(t)
	ch, cancel := bus.Subscribe()
	defer cancel()
	var errorEvents []model.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Kind == model.EventError {
				errorEvents = append(errorEvents, ev)
			}
		}
	}()

	item, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)

	spawner.proc(t, 0).exit(errors.New("exit status 1"))

	// The retry spawns a second process.
	second := spawner.proc(t, 1)
	second.stderr = []string{"ERROR: [youtube] a: Video unavailable"}
	second.exit(errors.New("exit status 1"))

	waitFor(t, func() bool {
		got, _ := adapter.Get(item.ID)
		return got.Status == model.StatusFailed
	})
	got, _ := adapter.Get(item.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "unavailable")

	cancel()
	<-done
	require.Len(t, errorEvents, 1)
	assert.Equal(t, item.ID, errorEvents[0].ID)
}

func TestPauseResume_KeepsIDAndRespawns(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)

	item, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	first := spawner.proc(t, 0)

	require.True(t, adapter.Pause(item.ID))
	got, _ := adapter.Get(item.ID)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.True(t, first.Killed())

	require.True(t, adapter.Resume(item.ID))
	spawner.proc(t, 1)
	waitFor(t, func() bool {
		got, _ := adapter.Get(item.ID)
		return got.Status == model.StatusDownloading
	})

	all := adapter.List()
	require.Len(t, all, 1)
	assert.Equal(t, item.ID, all[0].ID)
}

func TestCancel_ImmediateRemovalKillsProcess(t *testing.T) {
	adapter, spawner, bus := newTestAdapter(t)
	ch, cancel := bus.Subscribe()
	defer cancel()
	removed := make(chan string, 8)
	go func() {
		for ev := range ch {
			if ev.Kind == model.EventItemRemoved {
				removed <- ev.ID
			}
		}
	}()

	item, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	proc := spawner.proc(t, 0)

	require.True(t, adapter.Cancel(item.ID))

	_, ok := adapter.Get(item.ID)
	assert.False(t, ok)
	assert.Empty(t, adapter.List())
	assert.True(t, proc.Killed())

	select {
	case id := <-removed:
		assert.Equal(t, item.ID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("no item-removed event")
	}
	select {
	case id := <-removed:
		t.Fatalf("second item-removed event for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancel_AfterFastResumeKillsReplacementProcess(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)

	item, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	first := spawner.proc(t, 0)
	first.holdKillExit()

	// Pause kills the first process but its exit is slow to land.
	require.True(t, adapter.Pause(item.ID))
	assert.True(t, first.Killed())

	// Resume while the old process is still winding down: a replacement
	// process takes over the same job id.
	require.True(t, adapter.Resume(item.ID))
	second := spawner.proc(t, 1)
	waitFor(t, func() bool {
		got, _ := adapter.Get(item.ID)
		return got.Status == model.StatusDownloading
	})

	// Now the paused run's wait returns, after its replacement is live. Its
	// cleanup must not unregister the replacement.
	first.exit(errors.New("signal: killed"))
	time.Sleep(50 * time.Millisecond)

	require.True(t, adapter.Cancel(item.ID))
	assert.True(t, second.Killed(), "replacement process must be killed on cancel")
	_, ok := adapter.Get(item.ID)
	assert.False(t, ok)
}

func TestConcurrencyLimitHoldsSecondJob(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)
	adapter.cfg.Update(func(c *config.Config) { c.MaxConcurrent = 1 })

	first, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	second, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=b"})
	require.NoError(t, err)

	proc := spawner.proc(t, 0)
	got, _ := adapter.Get(second.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, spawner.count())

	// Finishing the first job admits the second.
	proc.emit(ytdlp.ProgressEvent{Kind: ytdlp.LineProgress, Percent: 30, TotalBytes: 100})
	proc.exit(nil)

	waitFor(t, func() bool {
		got, _ := adapter.Get(first.ID)
		return got.Status == model.StatusCompleted
	})
	spawner.proc(t, 1)
}

func TestRaisingConcurrencyAdmitsQueuedJob(t *testing.T) {
	adapter, spawner, _ := newTestAdapter(t)
	adapter.cfg.Update(func(c *config.Config) { c.MaxConcurrent = 1 })

	_, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=a"})
	require.NoError(t, err)
	second, err := adapter.Start(context.Background(), model.DownloadOptions{URL: "https://example.com/watch?v=b"})
	require.NoError(t, err)

	spawner.proc(t, 0)
	got, _ := adapter.Get(second.ID)
	assert.Equal(t, model.StatusPending, got.Status)

	// Raising the limit admits the queued job at once; no job has to finish
	// first and nothing new is enqueued.
	adapter.cfg.Update(func(c *config.Config) { c.MaxConcurrent = 2 })
	spawner.proc(t, 1)
	waitFor(t, func() bool {
		got, _ := adapter.Get(second.ID)
		return got.Status == model.StatusDownloading
	})
}
