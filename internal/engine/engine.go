// Package engine is the caller-facing facade: it classifies submitted URLs,
// routes each job to the transfer or extraction backend, expands playlists
// into one job per entry and merges both backends' job lists.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/events"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/ytdlp"
)

// playlistProbeTimeout bounds the metadata fetch during playlist expansion.
const playlistProbeTimeout = 90 * time.Second

// Backend is the operation surface shared by both adapters.
type Backend interface {
	Start(ctx context.Context, opts model.DownloadOptions) (model.DownloadItem, error)
	Pause(id string) bool
	Resume(id string) bool
	Cancel(id string) bool
	Get(id string) (model.DownloadItem, bool)
	List() []model.DownloadItem
	ClearCompleted() int
}

// ExtractionBackend additionally serves metadata probes.
type ExtractionBackend interface {
	Backend
	GetMetadata(ctx context.Context, url string) (model.MediaInfo, error)
}

// Classifier decides which backend handles a URL.
type Classifier interface {
	Classify(ctx context.Context, url string, mode model.ClassifyMode) (model.LinkTypeResult, error)
}

// Engine routes jobs and aggregates both backends.
type Engine struct {
	classifier Classifier
	transfer   Backend
	extract    ExtractionBackend
	bus        *events.Bus
	logger     *zap.Logger
}

// New wires the facade. The bus is shared with both backends so subscribers
// see one merged, per-adapter-ordered event stream.
func New(classifier Classifier, transfer Backend, extract ExtractionBackend, bus *events.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		classifier: classifier,
		transfer:   transfer,
		extract:    extract,
		bus:        bus,
		logger:     logger.Named("engine"),
	}
}

// Subscribe returns a channel of engine events and a cancel function.
func (e *Engine) Subscribe() (<-chan model.Event, func()) {
	return e.bus.Subscribe()
}

// Classify exposes the classifier verdict without starting a job.
func (e *Engine) Classify(ctx context.Context, url string, mode model.ClassifyMode) (model.LinkTypeResult, error) {
	return e.classifier.Classify(ctx, url, mode)
}

// GetMetadata probes a URL for video or playlist metadata.
func (e *Engine) GetMetadata(ctx context.Context, url string) (model.MediaInfo, error) {
	return e.extract.GetMetadata(ctx, url)
}

// Submit classifies the URL and starts one job, or several for a playlist.
// Classification failures (bad protocol, blocked address) reject the submit
// before any job exists.
func (e *Engine) Submit(ctx context.Context, opts model.DownloadOptions, mode model.ClassifyMode) ([]model.DownloadItem, error) {
	verdict, err := e.classifier.Classify(ctx, opts.URL, mode)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", opts.URL, err)
	}

	if verdict.IsDirect {
		if opts.Filename == "" {
			opts.Filename = verdict.Filename
		}
		if opts.UserAgent == "" {
			opts.UserAgent = verdict.UserAgent
		}
		item, err := e.transfer.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		e.logger.Info("routed to transfer engine",
			zap.String("id", item.ID), zap.String("reason", verdict.Reason))
		return []model.DownloadItem{item}, nil
	}

	if ytdlp.ExtractPlaylistID(opts.URL) != "" {
		if items, ok := e.expandPlaylist(ctx, opts); ok {
			return items, nil
		}
	}

	item, err := e.extract.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Info("routed to extraction engine",
		zap.String("id", item.ID), zap.String("reason", verdict.Reason))
	return []model.DownloadItem{item}, nil
}

// expandPlaylist turns a playlist URL into one job per entry. A failed
// probe falls back to a single job for the bare URL; the extractor itself
// can still handle it.
func (e *Engine) expandPlaylist(ctx context.Context, opts model.DownloadOptions) ([]model.DownloadItem, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, playlistProbeTimeout)
	defer cancel()

	info, err := e.extract.GetMetadata(probeCtx, opts.URL)
	if err != nil || !info.IsPlaylist || len(info.Playlist.Videos) == 0 {
		if err != nil {
			e.logger.Warn("playlist probe failed, submitting as single job",
				zap.String("url", opts.URL), zap.Error(err))
		}
		return nil, false
	}

	items := make([]model.DownloadItem, 0, len(info.Playlist.Videos))
	for _, entry := range info.Playlist.Videos {
		entryOpts := opts
		entryOpts.URL = entry.URL
		entryOpts.Filename = "" // per-entry names come from the extractor
		item, err := e.extract.Start(ctx, entryOpts)
		if err != nil {
			e.logger.Warn("playlist entry rejected",
				zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, false
	}
	e.logger.Info("playlist expanded",
		zap.String("id", info.Playlist.ID), zap.Int("jobs", len(items)))
	return items, true
}

// Pause pauses the job, whichever backend owns it.
func (e *Engine) Pause(id string) bool {
	return e.transfer.Pause(id) || e.extract.Pause(id)
}

// Resume resumes the job, whichever backend owns it.
func (e *Engine) Resume(id string) bool {
	return e.transfer.Resume(id) || e.extract.Resume(id)
}

// Cancel cancels the job, whichever backend owns it.
func (e *Engine) Cancel(id string) bool {
	return e.transfer.Cancel(id) || e.extract.Cancel(id)
}

// GetStatus returns a snapshot of the job, or false if unknown.
func (e *Engine) GetStatus(id string) (model.DownloadItem, bool) {
	if item, ok := e.transfer.Get(id); ok {
		return item, true
	}
	return e.extract.Get(id)
}

// ListAll merges both backends' jobs, sorted by creation time descending.
func (e *Engine) ListAll() []model.DownloadItem {
	all := append(e.transfer.List(), e.extract.List()...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}

// ClearCompleted removes completed jobs from both backends.
func (e *Engine) ClearCompleted() int {
	return e.transfer.ClearCompleted() + e.extract.ClearCompleted()
}
