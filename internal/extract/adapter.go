// Package extract drives media downloads through supervised yt-dlp
// processes: one child per active job, streaming line-classified progress,
// a metadata probe with quality grouping, a single automatic retry on
// failure and partial-file cleanup on cancel.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/config"
	"github.com/ytget/dlengine/internal/events"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/platform"
	"github.com/ytget/dlengine/internal/queue"
	"github.com/ytget/dlengine/internal/ytdlp"
)

const (
	// retryDelay separates the two attempts of a failed job.
	retryDelay = 2 * time.Second

	// metadataTimeout bounds the pre-download quality probe.
	metadataTimeout = 60 * time.Second
)

// ErrInvalidURL is returned for URLs the extraction engine cannot handle.
var ErrInvalidURL = fmt.Errorf("extract: invalid or unsupported URL")

// ProcessHandle is the supervised-process surface runJob drives. Satisfied
// by *ytdlp.Process; tests substitute a fake.
type ProcessHandle interface {
	Wait() error
	Kill()
	Killed() bool
	StderrLines() []string
}

// SpawnFunc launches one extractor run.
type SpawnFunc func(binary string, args []string, onEvent func(ytdlp.ProgressEvent), logger *zap.Logger) (ProcessHandle, error)

func defaultSpawn(binary string, args []string, onEvent func(ytdlp.ProgressEvent), logger *zap.Logger) (ProcessHandle, error) {
	return ytdlp.StartProcess(binary, args, onEvent, logger)
}

// MetadataProber fetches and normalizes extractor metadata.
type MetadataProber interface {
	Probe(ctx context.Context, url string) (model.MediaInfo, error)
}

// Adapter is the extraction-engine backend. All job-table mutation goes
// through its methods under one mutex.
type Adapter struct {
	prober    MetadataProber
	cfg       *config.Store
	bus       *events.Bus
	logger    *zap.Logger
	scheduler *queue.Scheduler
	spawn     SpawnFunc

	mu      sync.Mutex
	items   map[string]*model.DownloadItem
	procs   map[string]ProcessHandle
	sampled map[string]bool // first progress sample seen for the current run
}

// New creates the adapter.
func New(prober MetadataProber, cfg *config.Store, bus *events.Bus, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		prober:  prober,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.Named("extract"),
		spawn:   defaultSpawn,
		items:   make(map[string]*model.DownloadItem),
		procs:   make(map[string]ProcessHandle),
		sampled: make(map[string]bool),
	}
	a.scheduler = queue.New(cfg, a.runJob)
	cfg.Watch(a.scheduler.Kick)
	return a
}

// GetMetadata probes a URL without downloading anything.
func (a *Adapter) GetMetadata(ctx context.Context, rawURL string) (model.MediaInfo, error) {
	return a.prober.Probe(ctx, rawURL)
}

// Start validates, deduplicates and registers a new extraction job.
func (a *Adapter) Start(ctx context.Context, opts model.DownloadOptions) (model.DownloadItem, error) {
	parsed, err := url.Parse(opts.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return model.DownloadItem{}, ErrInvalidURL
	}

	cfg := a.cfg.Snapshot()
	outputDir := opts.OutputDir
	if outputDir == "" {
		// Category by media kind; the real filename is only known once the
		// extractor announces its destination.
		hint := "video.mp4"
		if opts.AudioOnly {
			hint = "audio.mp3"
		}
		dir, err := platform.CategoryDir(cfg.DownloadDir, hint)
		if err != nil {
			return model.DownloadItem{}, fmt.Errorf("prepare output directory: %w", err)
		}
		outputDir = dir
	} else if err := platform.CreateDirectoryIfNotExists(outputDir); err != nil {
		return model.DownloadItem{}, fmt.Errorf("prepare output directory: %w", err)
	}

	if existing, ok := a.resolveDuplicate(opts.URL); ok {
		return existing, nil
	}

	if err := platform.CheckFreeSpace(outputDir, cfg.MinFreeDiskBytes); err != nil {
		return model.DownloadItem{}, err
	}

	item := &model.DownloadItem{
		ID:        uuid.NewString(),
		URL:       opts.URL,
		Options:   opts,
		Status:    model.StatusPending,
		OutputDir: outputDir,
		Filename:  opts.Filename,
		CreatedAt: time.Now(),
	}
	item.Progress.ETASec = -1

	a.mu.Lock()
	a.items[item.ID] = item
	snapshot := *item
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.scheduler.Enqueue(item.ID)

	a.logger.Info("extraction job queued",
		zap.String("id", item.ID), zap.String("url", opts.URL))
	return snapshot, nil
}

// resolveDuplicate returns an in-flight job for the same URL; dead
// duplicates are purged so the retry can proceed.
func (a *Adapter) resolveDuplicate(rawURL string) (model.DownloadItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, item := range a.items {
		if item.URL != rawURL {
			continue
		}
		switch item.Status {
		case model.StatusFailed, model.StatusCancelled:
			delete(a.items, id)
			go a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})
		default:
			return *item, true
		}
	}
	return model.DownloadItem{}, false
}

// Pause kills the child process and marks the job PAUSED. yt-dlp resumes
// from its .part file on the next run, so killing loses no progress.
func (a *Adapter) Pause(id string) bool {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || !item.Status.IsActive() {
		a.mu.Unlock()
		return false
	}
	proc := a.procs[id]
	snapshot := a.setStatusLocked(item, model.StatusPaused)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	if proc != nil {
		proc.Kill()
	}
	a.scheduler.Release(id)
	return true
}

// Resume re-queues a paused job.
func (a *Adapter) Resume(id string) bool {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status != model.StatusPaused {
		a.mu.Unlock()
		return false
	}
	snapshot := a.setStatusLocked(item, model.StatusPending)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.scheduler.Enqueue(id)
	return true
}

// Cancel removes the job immediately, kills its process and cleans partial
// files up in the background.
func (a *Adapter) Cancel(id string) bool {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return false
	}
	proc := a.procs[id]
	delete(a.items, id)
	delete(a.procs, id)
	delete(a.sampled, id)
	target := a.cleanupTargetLocked(item)
	a.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	a.scheduler.Remove(id)
	a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})

	if target != "" {
		go a.cleanupFiles(target)
	}
	a.logger.Info("extraction job cancelled", zap.String("id", id))
	return true
}

// Get returns a snapshot of the job, or false if unknown.
func (a *Adapter) Get(id string) (model.DownloadItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[id]
	if !ok {
		return model.DownloadItem{}, false
	}
	return *item, true
}

// List returns snapshots of all jobs sorted by creation time descending.
func (a *Adapter) List() []model.DownloadItem {
	a.mu.Lock()
	out := make([]model.DownloadItem, 0, len(a.items))
	for _, item := range a.items {
		out = append(out, *item)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ClearCompleted removes all completed jobs and returns how many.
func (a *Adapter) ClearCompleted() int {
	a.mu.Lock()
	var removed []string
	for id, item := range a.items {
		if item.Status == model.StatusCompleted {
			removed = append(removed, id)
			delete(a.items, id)
		}
	}
	a.mu.Unlock()

	for _, id := range removed {
		a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})
	}
	return len(removed)
}

// Shutdown kills every live child process. Jobs keep their last state.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	procs := make([]ProcessHandle, 0, len(a.procs))
	for _, proc := range a.procs {
		procs = append(procs, proc)
	}
	a.mu.Unlock()

	for _, proc := range procs {
		proc.Kill()
	}
}

func (a *Adapter) emit(kind model.EventKind, item model.DownloadItem, message string) {
	a.bus.Publish(model.Event{Kind: kind, ID: item.ID, Item: item, Message: message})
}

// setStatusLocked flips a job's status and returns a snapshot for emission.
// Caller holds a.mu.
func (a *Adapter) setStatusLocked(item *model.DownloadItem, status model.Status) model.DownloadItem {
	item.Status = status
	switch status {
	case model.StatusDownloading:
		if item.StartedAt.IsZero() {
			item.StartedAt = time.Now()
		}
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		item.CompletedAt = time.Now()
	}
	return *item
}
