// Package transfer drives raw file downloads through the external aria2
// daemon: it owns the job table, maps daemon gids to job ids, reacts to
// push notifications with a polling fallback, reconciles state after daemon
// restarts and cleans up files on cancel.
package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/aria2"
	"github.com/ytget/dlengine/internal/config"
	"github.com/ytget/dlengine/internal/events"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/queue"
)

// Tuning constants.
const (
	classifyTimeout = 5 * time.Second
	pollInterval    = 2 * time.Second

	// removedGIDTTL keeps cancel markers long enough to outlast any
	// in-flight reconciliation pass.
	removedGIDTTL = 60 * time.Second

	// removeRetries bounds daemon-side removal attempts during cancel.
	removeRetries = 3

	// fileReleaseWait gives the daemon time to drop file handles before
	// deletion starts.
	fileReleaseWait = 500 * time.Millisecond
)

// Aria2Client is the daemon RPC surface the adapter needs. *aria2.Client
// implements it; tests substitute a fake.
type Aria2Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	Close() error
	SetNotificationHandler(aria2.NotificationHandler)
	SetOnConnected(func())
	AddURI(ctx context.Context, uri string, opts map[string]any) (string, error)
	Pause(ctx context.Context, gid string) error
	Unpause(ctx context.Context, gid string) error
	ForceRemove(ctx context.Context, gid string) error
	RemoveDownloadResult(ctx context.Context, gid string) error
	TellStatus(ctx context.Context, gid string) (aria2.Status, error)
	TellActive(ctx context.Context) ([]aria2.Status, error)
	TellWaiting(ctx context.Context) ([]aria2.Status, error)
	TellStopped(ctx context.Context) ([]aria2.Status, error)
	ChangeGlobalOption(ctx context.Context, opts map[string]string) error
}

// LinkClassifier supplies filename/user-agent hints for new jobs.
type LinkClassifier interface {
	Classify(ctx context.Context, url string, mode model.ClassifyMode) (model.LinkTypeResult, error)
}

// Adapter is the transfer-engine backend. All job-table mutation goes
// through its methods under one mutex (single-writer discipline).
type Adapter struct {
	client     Aria2Client
	classifier LinkClassifier
	cfg        *config.Store
	bus        *events.Bus
	logger     *zap.Logger
	scheduler  *queue.Scheduler

	mu          sync.Mutex
	items       map[string]*model.DownloadItem
	gidToID     map[string]string
	idToGID     map[string]string
	removedGIDs map[string]time.Time

	polling bool
}

// New creates the adapter. Call Connect before submitting jobs.
func New(client Aria2Client, classifier LinkClassifier, cfg *config.Store, bus *events.Bus, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		client:      client,
		classifier:  classifier,
		cfg:         cfg,
		bus:         bus,
		logger:      logger.Named("transfer"),
		items:       make(map[string]*model.DownloadItem),
		gidToID:     make(map[string]string),
		idToGID:     make(map[string]string),
		removedGIDs: make(map[string]time.Time),
	}
	a.scheduler = queue.New(cfg, a.runJob)
	cfg.Watch(a.scheduler.Kick)
	client.SetNotificationHandler(a.handleNotification)
	client.SetOnConnected(a.reconcile)
	return a
}

// Connect brings up the daemon connection. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.client.Connect(ctx)
}

// Shutdown closes the daemon connection. Jobs keep their last state.
func (a *Adapter) Shutdown() {
	if err := a.client.Close(); err != nil {
		a.logger.Warn("close aria2 client", zap.Error(err))
	}
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
			if gid, ok := a.idToGID[id]; ok {
				delete(a.idToGID, id)
				delete(a.gidToID, gid)
				go a.dropDaemonResult(gid)
			}
		}
	}
	a.mu.Unlock()

	for _, id := range removed {
		a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})
	}
	return len(removed)
}

// SetSpeedLimit applies a global download speed limit to the daemon (live,
// affecting running transfers) and records it for future jobs. Empty means
// unlimited.
func (a *Adapter) SetSpeedLimit(limit string) {
	a.cfg.Update(func(c *config.Config) { c.RateLimit = limit })

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), aria2.DefaultCallTimeout)
		defer cancel()
		opts := map[string]string{"max-overall-download-limit": limit}
		if err := a.client.ChangeGlobalOption(ctx, opts); err != nil {
			a.logger.Warn("changeGlobalOption failed", zap.Error(err))
		}
	}()
}

func (a *Adapter) dropDaemonResult(gid string) {
	ctx, cancel := context.WithTimeout(context.Background(), aria2.DefaultCallTimeout)
	defer cancel()
	if err := a.client.RemoveDownloadResult(ctx, gid); err != nil {
		a.logger.Debug("removeDownloadResult failed", zap.String("gid", gid), zap.Error(err))
	}
}

// emit publishes an event built from a snapshot.
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

// expireRemovedLocked drops cancel markers older than the TTL.
func (a *Adapter) expireRemovedLocked() {
	cutoff := time.Now().Add(-removedGIDTTL)
	for gid, when := range a.removedGIDs {
		if when.Before(cutoff) {
			delete(a.removedGIDs, gid)
		}
	}
}
