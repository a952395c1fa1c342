package transfer

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/aria2"
	"github.com/ytget/dlengine/internal/model"
)

// handleNotification reacts to daemon push events. Unknown handles are
// silently ignored; removed handles are suppressed.
func (a *Adapter) handleNotification(event aria2.NotificationEvent, gid string) {
	a.mu.Lock()
	if _, removed := a.removedGIDs[gid]; removed {
		a.mu.Unlock()
		return
	}
	id, known := a.gidToID[gid]
	a.mu.Unlock()
	if !known {
		return
	}

	switch event {
	case aria2.NotificationStart:
		a.markDownloading(id)
	case aria2.NotificationPause:
		a.markPausedFromDaemon(id)
	case aria2.NotificationComplete:
		a.completeJob(id, gid)
	case aria2.NotificationStop:
		// A stop we did not initiate means an external client removed the
		// transfer; surface it as a cancellation.
		a.externalStop(id, gid)
	case aria2.NotificationError:
		a.errorFromDaemon(id, gid)
	}
}

func (a *Adapter) markDownloading(id string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status == model.StatusDownloading || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	snapshot := a.setStatusLocked(item, model.StatusDownloading)
	a.mu.Unlock()
	a.emit(model.EventStatusChanged, snapshot, "")
	a.ensurePolling()
}

// markPausedFromDaemon records a pause initiated daemon-side (e.g. another
// RPC client). Idempotent with our own optimistic pause.
func (a *Adapter) markPausedFromDaemon(id string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status == model.StatusPaused || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	wasActive := item.Status.IsActive()
	snapshot := a.setStatusLocked(item, model.StatusPaused)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	if wasActive {
		a.scheduler.Release(id)
	}
}

func (a *Adapter) completeJob(id, gid string) {
	// Pull the final byte counts before flipping state.
	ctx, cancel := context.WithTimeout(context.Background(), aria2.DefaultCallTimeout)
	status, statusErr := a.client.TellStatus(ctx, gid)
	cancel()

	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	if statusErr == nil {
		if total := status.Total(); total > 0 {
			item.Progress.TotalBytes = total
			item.Progress.DownloadedBytes = total
		}
		if paths := status.FilePaths(); len(paths) > 0 {
			item.Progress.Filename = paths[0]
		}
	}
	item.Progress.Percent = 100
	item.Progress.ETASec = 0
	item.Progress.ETAStr = ""
	item.Progress.Speed = 0
	item.Progress.SpeedStr = ""
	snapshot := a.setStatusLocked(item, model.StatusCompleted)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.emit(model.EventComplete, snapshot, "")
	a.scheduler.Release(id)
	a.logger.Info("transfer complete", zap.String("id", id), zap.String("gid", gid))
}

func (a *Adapter) externalStop(id, gid string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	delete(a.items, id)
	delete(a.idToGID, id)
	delete(a.gidToID, gid)
	a.mu.Unlock()

	a.scheduler.Remove(id)
	a.bus.Publish(model.Event{Kind: model.EventItemRemoved, ID: id})
	a.logger.Info("transfer removed externally", zap.String("id", id), zap.String("gid", gid))
}

// errorFromDaemon fetches a human-readable message via a follow-up status
// query, then fails the job and cleans partial files up best-effort.
func (a *Adapter) errorFromDaemon(id, gid string) {
	ctx, cancel := context.WithTimeout(context.Background(), aria2.DefaultCallTimeout)
	status, err := a.client.TellStatus(ctx, gid)
	cancel()

	message := "transfer failed"
	var paths []string
	if err == nil {
		if status.ErrorMessage != "" {
			message = status.ErrorMessage
		}
		paths = status.FilePaths()
	}

	a.failJob(id, message)
	a.scheduler.Release(id)
	if len(paths) > 0 {
		go func() {
			time.Sleep(fileReleaseWait)
			a.deleteFiles(paths)
		}()
	}
}

// ensurePolling starts the polling fallback loop if it is not running.
// Notifications may be dropped under load; the poller compensates and also
// supplies progress/ETA, which aria2 never pushes.
func (a *Adapter) ensurePolling() {
	a.mu.Lock()
	if a.polling {
		a.mu.Unlock()
		return
	}
	a.polling = true
	a.mu.Unlock()
	go a.pollLoop()
}

func (a *Adapter) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !a.pollOnce() {
			a.mu.Lock()
			a.polling = false
			a.mu.Unlock()
			return
		}
	}
}

// pollOnce updates progress for all tracked active transfers. Returns false
// when no job needs polling anymore.
func (a *Adapter) pollOnce() bool {
	a.mu.Lock()
	needed := false
	for _, item := range a.items {
		if item.Status.IsActive() || item.Status == model.StatusPending {
			needed = true
			break
		}
	}
	a.mu.Unlock()
	if !needed {
		return false
	}
	if !a.client.Connected() {
		return true // keep the loop alive; reconnect is in progress
	}

	ctx, cancel := context.WithTimeout(context.Background(), aria2.DefaultCallTimeout)
	defer cancel()

	statuses, err := a.client.TellActive(ctx)
	if err != nil {
		a.logger.Debug("poll tellActive failed", zap.Error(err))
		return true
	}
	if waiting, err := a.client.TellWaiting(ctx); err == nil {
		statuses = append(statuses, waiting...)
	}

	for _, status := range statuses {
		a.applyStatus(status)
	}
	return true
}

// applyStatus folds one daemon status into the matching job's progress.
// Idempotent: replaying the same status twice is a no-op beyond the
// progress event.
func (a *Adapter) applyStatus(status aria2.Status) {
	a.mu.Lock()
	id, ok := a.gidToID[status.GID]
	if !ok {
		a.mu.Unlock()
		return
	}
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}

	total := status.Total()
	completed := status.Completed()
	speed := status.Speed()

	if total > 0 {
		item.Progress.TotalBytes = total
		item.Progress.Percent = model.ClampPercent(float64(completed) / float64(total) * 100)
	}
	item.Progress.DownloadedBytes = completed
	item.Progress.Speed = float64(speed)
	if speed > 0 {
		item.Progress.SpeedStr = humanize.Bytes(uint64(speed)) + "/s"
		if total > 0 && completed < total {
			item.Progress.ETASec = int((total - completed) / speed)
			item.Progress.ETAStr = item.Progress.ETAString()
		}
	} else {
		item.Progress.SpeedStr = ""
		item.Progress.ETASec = -1
		item.Progress.ETAStr = ""
	}
	if paths := status.FilePaths(); len(paths) > 0 && item.Progress.Filename == "" {
		item.Progress.Filename = paths[0]
	}
	snapshot := *item
	a.mu.Unlock()

	a.emit(model.EventProgress, snapshot, "")
}
