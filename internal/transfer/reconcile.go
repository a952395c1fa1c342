package transfer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/aria2"
	"github.com/ytget/dlengine/internal/model"
)

// reconcile runs after every (re)connect, off the connection path. It
// adopts daemon transfers we do not track and restores jobs the daemon
// lost, so a daemon restart never duplicates or orphans rows. The daemon
// is a shared resource; other RPC clients may have mutated it.
func (a *Adapter) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	a.adoptDaemonTransfers(ctx)
	a.restoreLostJobs(ctx)
	a.ensurePolling()
}

// adoptDaemonTransfers walks the daemon's transfer lists and links or
// adopts every transfer not already tracked, unless its handle was
// explicitly removed by a recent cancel.
func (a *Adapter) adoptDaemonTransfers(ctx context.Context) {
	var statuses []aria2.Status
	if active, err := a.client.TellActive(ctx); err == nil {
		statuses = append(statuses, active...)
	} else {
		a.logger.Warn("reconcile: tellActive failed", zap.Error(err))
	}
	if waiting, err := a.client.TellWaiting(ctx); err == nil {
		statuses = append(statuses, waiting...)
	}
	if stopped, err := a.client.TellStopped(ctx); err == nil {
		statuses = append(statuses, stopped...)
	}

	for _, status := range statuses {
		a.adoptOne(status)
	}
}

func (a *Adapter) adoptOne(status aria2.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireRemovedLocked()
	if _, removed := a.removedGIDs[status.GID]; removed {
		return
	}
	if _, tracked := a.gidToID[status.GID]; tracked {
		return
	}

	// Match by URL first: after a daemon restart the same logical job comes
	// back under a fresh gid, and a duplicate row would confuse the UI.
	uri := status.FirstURI()
	if uri != "" {
		for id, item := range a.items {
			if item.URL != uri {
				continue
			}
			if _, hasGID := a.idToGID[id]; hasGID {
				continue
			}
			a.gidToID[status.GID] = id
			a.idToGID[id] = status.GID
			a.logger.Info("reconcile: relinked transfer",
				zap.String("id", id), zap.String("gid", status.GID))
			return
		}
	}

	// Unknown transfer: adopt it as a new job.
	if uri == "" && len(status.FilePaths()) == 0 {
		return
	}
	item := &model.DownloadItem{
		ID:        uuid.NewString(),
		URL:       uri,
		Status:    adoptedStatus(status.State),
		OutputDir: status.Dir,
		CreatedAt: time.Now(),
	}
	if paths := status.FilePaths(); len(paths) > 0 {
		item.Progress.Filename = paths[0]
	}
	if total := status.Total(); total > 0 {
		item.Progress.TotalBytes = total
		item.Progress.DownloadedBytes = status.Completed()
		item.Progress.Percent = model.ClampPercent(float64(status.Completed()) / float64(total) * 100)
	}
	item.Progress.ETASec = -1
	a.items[item.ID] = item
	a.gidToID[status.GID] = item.ID
	a.idToGID[item.ID] = status.GID
	snapshot := *item

	a.logger.Info("reconcile: adopted daemon transfer",
		zap.String("id", item.ID), zap.String("gid", status.GID), zap.String("state", status.State))
	go a.emit(model.EventStatusChanged, snapshot, "")
}

func adoptedStatus(state string) model.Status {
	switch state {
	case aria2.StateActive:
		return model.StatusDownloading
	case aria2.StatePaused:
		return model.StatusPaused
	case aria2.StateComplete:
		return model.StatusCompleted
	case aria2.StateError:
		return model.StatusFailed
	case aria2.StateRemoved:
		return model.StatusCancelled
	default:
		return model.StatusPending
	}
}

// restoreLostJobs re-submits jobs we believe are live but the daemon no
// longer knows, keeping the original URL and output settings.
func (a *Adapter) restoreLostJobs(ctx context.Context) {
	a.mu.Lock()
	type candidate struct {
		id  string
		gid string
	}
	var candidates []candidate
	for id, item := range a.items {
		if item.Status.IsActive() || item.Status == model.StatusPending {
			candidates = append(candidates, candidate{id: id, gid: a.idToGID[id]})
		}
	}
	a.mu.Unlock()

	for _, c := range candidates {
		if c.gid != "" {
			if _, err := a.client.TellStatus(ctx, c.gid); err == nil {
				continue
			}
		}
		a.restoreJob(ctx, c.id, c.gid)
	}
}

func (a *Adapter) restoreJob(ctx context.Context, id, oldGID string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	snapshot := *item
	delete(a.idToGID, id)
	if oldGID != "" {
		delete(a.gidToID, oldGID)
	}
	a.mu.Unlock()

	gid, err := a.client.AddURI(ctx, snapshot.URL, a.addOptions(snapshot))
	if err != nil {
		a.logger.Warn("reconcile: restore failed",
			zap.String("id", id), zap.Error(err))
		a.failJob(id, "transfer lost after daemon restart and could not be restored")
		return
	}

	a.mu.Lock()
	if _, stillThere := a.items[id]; !stillThere {
		a.removedGIDs[gid] = time.Now()
		a.mu.Unlock()
		go a.removeFromDaemon(gid, nil)
		return
	}
	a.gidToID[gid] = id
	a.idToGID[id] = gid
	a.mu.Unlock()

	a.logger.Info("reconcile: restored transfer",
		zap.String("id", id), zap.String("old_gid", oldGID), zap.String("gid", gid))
}
