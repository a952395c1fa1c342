package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/aria2"
	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/platform"
)

// ErrInvalidURL is returned for URLs the transfer engine cannot handle.
var ErrInvalidURL = fmt.Errorf("transfer: invalid or unsupported URL")

// Start validates, deduplicates and registers a new transfer job. The job
// is registered before any daemon call, so a cancel issued while the add
// call is outstanding is observed. Returns the (possibly pre-existing) job
// snapshot.
func (a *Adapter) Start(ctx context.Context, opts model.DownloadOptions) (model.DownloadItem, error) {
	parsed, err := url.Parse(opts.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return model.DownloadItem{}, ErrInvalidURL
	}

	hint := a.classifyHint(ctx, opts.URL)

	filename := opts.Filename
	if filename == "" {
		filename = hint.Filename
	}
	if filename == "" {
		filename = syntheticFilename(parsed)
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = hint.UserAgent
	}

	cfg := a.cfg.Snapshot()

	outputDir := opts.OutputDir
	if outputDir == "" {
		dir, err := platform.CategoryDir(cfg.DownloadDir, filename)
		if err != nil {
			return model.DownloadItem{}, fmt.Errorf("prepare output directory: %w", err)
		}
		outputDir = dir
	} else if err := platform.CreateDirectoryIfNotExists(outputDir); err != nil {
		return model.DownloadItem{}, fmt.Errorf("prepare output directory: %w", err)
	}

	// Duplicate detection before conflict resolution: an active duplicate
	// is returned as-is, a dead one is purged and retried.
	if existing, ok := a.resolveDuplicate(opts.URL, filename, outputDir, userAgent); ok {
		return existing, nil
	}

	filename, err = platform.ResolveConflict(outputDir, filename, platform.ConflictPolicy(cfg.OnConflict))
	if err != nil {
		return model.DownloadItem{}, err
	}

	if err := platform.CheckFreeSpace(outputDir, cfg.MinFreeDiskBytes); err != nil {
		return model.DownloadItem{}, err
	}

	now := time.Now()
	item := &model.DownloadItem{
		ID:        uuid.NewString(),
		URL:       opts.URL,
		Options:   opts,
		Status:    model.StatusPending,
		OutputDir: outputDir,
		Filename:  filename,
		CreatedAt: now,
	}
	item.Options.UserAgent = userAgent
	item.Progress.ETASec = -1
	if hint.ContentLength > 0 {
		item.Progress.TotalBytes = hint.ContentLength
	}

	a.mu.Lock()
	a.items[item.ID] = item
	snapshot := *item
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.scheduler.Enqueue(item.ID)

	a.logger.Info("transfer job queued",
		zap.String("id", item.ID), zap.String("url", opts.URL), zap.String("filename", filename))
	return snapshot, nil
}

// classifyHint runs a bounded classification purely for filename and
// user-agent hints; failure falls back to synthesized values.
func (a *Adapter) classifyHint(ctx context.Context, rawURL string) model.LinkTypeResult {
	if a.classifier == nil {
		return model.LinkTypeResult{}
	}
	hintCtx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()
	hint, err := a.classifier.Classify(hintCtx, rawURL, model.ModeDirect)
	if err != nil {
		return model.LinkTypeResult{}
	}
	return hint
}

// resolveDuplicate looks for an in-flight job with the same URL or the same
// (filename, directory) pair. Finished-badly duplicates are purged so the
// retry can proceed.
func (a *Adapter) resolveDuplicate(rawURL, filename, outputDir, userAgent string) (model.DownloadItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, item := range a.items {
		sameURL := item.URL == rawURL
		samePath := item.Filename == filename && item.OutputDir == outputDir
		if !sameURL && !samePath {
			continue
		}
		switch item.Status {
		case model.StatusFailed, model.StatusCancelled:
			delete(a.items, id)
			if gid, ok := a.idToGID[id]; ok {
				delete(a.idToGID, id)
				delete(a.gidToID, gid)
				go a.dropDaemonResult(gid)
			}
			go a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})
		default:
			// Opportunistic header upgrade for the active duplicate.
			if userAgent != "" && item.Options.UserAgent == "" {
				item.Options.UserAgent = userAgent
			}
			return *item, true
		}
	}
	return model.DownloadItem{}, false
}

// runJob is the scheduler's admission callback: it issues the daemon add
// call for a job admitted into the active set.
func (a *Adapter) runJob(id string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || !item.Status.IsResumable() {
		a.mu.Unlock()
		a.scheduler.Release(id)
		return
	}
	gid, hasGID := a.idToGID[id]
	snapshot := a.setStatusLocked(item, model.StatusDownloading)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if hasGID {
		// Re-admitted paused job: unpause the existing transfer rather
		// than creating a duplicate gid.
		if err := a.client.Unpause(ctx, gid); err != nil {
			if isAlreadyRunning(err) {
				a.ensurePolling()
				return
			}
			a.logger.Warn("unpause failed", zap.String("id", id), zap.Error(err))
		}
		a.ensurePolling()
		return
	}

	gid, err := a.client.AddURI(ctx, snapshot.URL, a.addOptions(snapshot))
	if err != nil {
		a.failJob(id, fmt.Sprintf("daemon rejected transfer: %v", err))
		a.scheduler.Release(id)
		return
	}

	a.mu.Lock()
	if _, stillThere := a.items[id]; !stillThere {
		// Cancelled while the add call was outstanding; purge the
		// daemon-side transfer now that the handle is known.
		a.removedGIDs[gid] = time.Now()
		a.mu.Unlock()
		go a.removeFromDaemon(gid, nil)
		a.scheduler.Release(id)
		return
	}
	a.gidToID[gid] = id
	a.idToGID[id] = gid
	a.mu.Unlock()

	a.ensurePolling()
}

// addOptions translates job settings into aria2 input options.
func (a *Adapter) addOptions(item model.DownloadItem) map[string]any {
	cfg := a.cfg.Snapshot()
	opts := map[string]any{
		"dir": item.OutputDir,
		"out": item.Filename,
	}
	if ua := item.Options.UserAgent; ua != "" {
		opts["user-agent"] = ua
	}
	if cookie := item.Options.CookieFile; cookie != "" {
		opts["load-cookies"] = cookie
	}
	if limit := firstNonEmpty(item.Options.RateLimit, cfg.RateLimit); limit != "" {
		opts["max-download-limit"] = limit
	}
	if proxy := firstNonEmpty(item.Options.Proxy, cfg.Proxy); proxy != "" {
		opts["all-proxy"] = proxy
	}
	return opts
}

// Pause optimistically pauses a job: local state flips immediately, the
// daemon call is fire-and-forget. Returns false for unknown or non-active
// jobs.
func (a *Adapter) Pause(id string) bool {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || !item.Status.IsActive() {
		a.mu.Unlock()
		return false
	}
	gid := a.idToGID[id]
	snapshot := a.setStatusLocked(item, model.StatusPaused)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.scheduler.Release(id)

	if gid != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.client.Pause(ctx, gid); err != nil {
				a.logger.Warn("daemon pause failed, local state kept",
					zap.String("id", id), zap.Error(err))
			}
		}()
	}
	return true
}

// Resume re-queues a paused job. The existing daemon handle is reused on
// admission, so no duplicate transfer is created.
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

// Cancel removes the job from the table immediately (the UI must not wait
// on I/O) and performs daemon-side and filesystem cleanup in the
// background. Returns false for unknown jobs.
func (a *Adapter) Cancel(id string) bool {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return false
	}
	gid := a.idToGID[id]
	delete(a.items, id)
	delete(a.idToGID, id)
	if gid != "" {
		delete(a.gidToID, gid)
		// Suppress stale reconciliation for this handle.
		a.removedGIDs[gid] = time.Now()
	}
	a.expireRemovedLocked()
	fallbackPath := ""
	if item.Filename != "" {
		fallbackPath = filepath.Join(item.OutputDir, item.Filename)
	}
	a.mu.Unlock()

	a.scheduler.Remove(id)
	a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})

	if gid != "" {
		go a.removeFromDaemon(gid, []string{fallbackPath})
	} else if fallbackPath != "" {
		go a.deleteFiles([]string{fallbackPath})
	}

	a.logger.Info("transfer job cancelled", zap.String("id", id), zap.String("gid", gid))
	return true
}

// removeFromDaemon queries file paths, removes the transfer from the daemon
// with bounded retries ("not found" counts as success), then deletes the
// files after a short handle-release delay.
func (a *Adapter) removeFromDaemon(gid string, fallbackPaths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	paths := fallbackPaths
	if status, err := a.client.TellStatus(ctx, gid); err == nil {
		if daemonPaths := status.FilePaths(); len(daemonPaths) > 0 {
			paths = daemonPaths
		}
	}

	removed := false
	for attempt := 0; attempt < removeRetries && !removed; attempt++ {
		err := a.client.ForceRemove(ctx, gid)
		switch {
		case err == nil:
			removed = true
		case isNotFound(err):
			removed = true
		default:
			a.logger.Debug("forceRemove retry", zap.String("gid", gid), zap.Error(err))
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
		}
	}
	if err := a.client.RemoveDownloadResult(ctx, gid); err != nil && !isNotFound(err) {
		a.logger.Debug("removeDownloadResult failed", zap.String("gid", gid), zap.Error(err))
	}

	time.Sleep(fileReleaseWait)
	a.deleteFiles(paths)
}

func (a *Adapter) deleteFiles(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := platform.RemoveFileAndPartials(p); err != nil {
			a.logger.Warn("cleanup: could not delete file", zap.String("path", p), zap.Error(err))
		}
	}
}

// failJob marks a job FAILED and emits the error event. Cancelled jobs are
// gone from the table by then, so a late failure is a no-op.
func (a *Adapter) failJob(id, message string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	item.LastError = message
	snapshot := a.setStatusLocked(item, model.StatusFailed)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.emit(model.EventError, snapshot, message)
}

func syntheticFilename(parsed *url.URL) string {
	name := path.Base(parsed.Path)
	if name != "" && name != "/" && name != "." && strings.Contains(name, ".") {
		if unescaped, err := url.PathUnescape(name); err == nil {
			return unescaped
		}
		return name
	}
	return fmt.Sprintf("download-%d.bin", time.Now().Unix())
}

func isAlreadyRunning(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot be unpaused") || strings.Contains(msg, "active")
}

func isNotFound(err error) bool {
	var notFound *aria2.NotFoundError
	return errors.As(err, &notFound)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
