package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/platform"
	"github.com/ytget/dlengine/internal/ytdlp"
)

// firstSampleCeiling discards an implausibly high initial progress report.
// The extractor occasionally emits a stale percentage from a previous
// fragment as its first line.
const firstSampleCeiling = 50.0

// runJob is the scheduler's admission callback: it runs the extractor for
// one job, with a single automatic retry on failure.
func (a *Adapter) runJob(id string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || !item.Status.IsResumable() {
		a.mu.Unlock()
		a.scheduler.Release(id)
		return
	}
	snapshot := a.setStatusLocked(item, model.StatusDownloading)
	a.sampled[id] = false
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")

	quality := a.resolveQuality(snapshot)

	for attempt := 0; ; attempt++ {
		outcome := a.runAttempt(id, snapshot, quality)
		switch outcome {
		case attemptDone:
			return
		case attemptRetry:
			if attempt >= 1 {
				return
			}
			a.mu.Lock()
			if item, ok := a.items[id]; ok {
				item.RetryCount++
			}
			a.mu.Unlock()
			a.logger.Info("retrying extraction", zap.String("id", id))
			time.Sleep(retryDelay)
		}
	}
}

type attemptOutcome int

const (
	attemptDone attemptOutcome = iota
	attemptRetry
)

// runAttempt spawns one extractor process and waits it out. Terminal state,
// events and the scheduler slot are all settled before it returns, except
// when it asks for a retry.
func (a *Adapter) runAttempt(id string, snapshot model.DownloadItem, quality model.QualityOption) attemptOutcome {
	cfg := a.cfg.Snapshot()
	args := ytdlp.BuildArgs(snapshot.Options, quality, a.outputTemplate(snapshot), cfg.FFmpegBinary)

	proc, err := a.spawn(cfg.YtdlpBinary, args, func(ev ytdlp.ProgressEvent) {
		a.applyEvent(id, ev)
	}, a.logger)
	if err != nil {
		a.failJob(id, "could not start the extractor: "+err.Error())
		a.scheduler.Release(id)
		return attemptDone
	}

	a.mu.Lock()
	if _, stillThere := a.items[id]; !stillThere {
		// Cancelled between admission and spawn.
		a.mu.Unlock()
		proc.Kill()
		proc.Wait()
		return attemptDone
	}
	a.procs[id] = proc
	a.mu.Unlock()

	waitErr := proc.Wait()

	a.mu.Lock()
	// A fast pause/resume may have registered a newer process under the same
	// id before this wait returned; only drop the entry if it is still ours.
	if a.procs[id] == proc {
		delete(a.procs, id)
	}
	item, ok := a.items[id]
	if !ok {
		// Cancelled mid-run; Cancel already scheduled the cleanup.
		a.mu.Unlock()
		return attemptDone
	}
	if item.Status == model.StatusPaused {
		a.mu.Unlock()
		return attemptDone
	}
	// Exit code 0, or observable completion, counts as success: the tool
	// sometimes exits non-zero after a failed cleanup step that follows a
	// fully successful transfer.
	succeeded := waitErr == nil ||
		item.Progress.Percent >= 100 ||
		item.Status == model.StatusMerging
	a.mu.Unlock()

	if succeeded {
		a.finishJob(id)
		a.scheduler.Release(id)
		return attemptDone
	}
	if proc.Killed() {
		// Killed without a pause or cancel on record: shutdown path.
		return attemptDone
	}

	a.mu.Lock()
	firstAttempt := item.RetryCount == 0
	a.mu.Unlock()
	if firstAttempt {
		return attemptRetry
	}

	message := ytdlp.MapStderr(proc.StderrLines(), waitErr)
	a.failJob(id, message)
	a.scheduler.Release(id)

	a.mu.Lock()
	target := a.cleanupTargetLocked(item)
	a.mu.Unlock()
	if target != "" {
		go a.cleanupFiles(target)
	}
	return attemptDone
}

// resolveQuality probes metadata when the caller asked for a specific
// quality (or audio only) and maps it onto the derived option list. Without
// a selector the extractor's own "best" default is used and no probe runs.
func (a *Adapter) resolveQuality(snapshot model.DownloadItem) model.QualityOption {
	opts := snapshot.Options
	if opts.Quality == "" && !opts.AudioOnly {
		return model.QualityOption{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	info, err := a.prober.Probe(ctx, snapshot.URL)
	if err != nil || info.Video == nil {
		a.logger.Warn("quality probe failed, using extractor default",
			zap.String("id", snapshot.ID), zap.Error(err))
		return model.QualityOption{AudioOnly: opts.AudioOnly}
	}

	a.mu.Lock()
	if item, ok := a.items[snapshot.ID]; ok && item.Title == "" {
		item.Title = info.Video.Title
	}
	a.mu.Unlock()

	quality, ok := ytdlp.SelectQuality(info.Video.Qualities, opts.Quality, opts.AudioOnly)
	if !ok {
		return model.QualityOption{AudioOnly: opts.AudioOnly}
	}
	return quality
}

// outputTemplate builds the -o value: an explicit filename verbatim, else
// the title template.
func (a *Adapter) outputTemplate(snapshot model.DownloadItem) string {
	if snapshot.Filename != "" {
		return filepath.Join(snapshot.OutputDir, snapshot.Filename)
	}
	return filepath.Join(snapshot.OutputDir, "%(title)s.%(ext)s")
}

// applyEvent folds one classified output line into the job. Runs on the
// process's reader goroutine.
func (a *Adapter) applyEvent(id string, ev ytdlp.ProgressEvent) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}

	var kind model.EventKind
	switch ev.Kind {
	case ytdlp.LineProgress:
		if !a.sampled[id] && ev.Percent >= firstSampleCeiling {
			a.mu.Unlock()
			return
		}
		a.sampled[id] = true
		a.foldProgressLocked(item, ev)
		kind = model.EventProgress

	case ytdlp.LineDestination:
		item.Progress.Filename = ev.Path
		if item.Filename == "" {
			item.Filename = filepath.Base(ev.Path)
		}
		// A new destination starts a new stream (e.g. the audio half of a
		// merge); its first sample gets the glitch guard again.
		a.sampled[id] = false
		kind = model.EventProgress

	case ytdlp.LineAlreadyDownloaded:
		item.Progress.Filename = ev.Path
		item.Filename = filepath.Base(ev.Path)
		item.Progress.Percent = 100
		kind = model.EventProgress

	case ytdlp.LineMergeStart:
		item.Progress.Filename = ev.Path
		item.Filename = filepath.Base(ev.Path)
		a.setStatusLocked(item, model.StatusMerging)
		kind = model.EventStatusChanged

	default:
		a.mu.Unlock()
		return
	}
	snapshot := *item
	a.mu.Unlock()

	a.emit(kind, snapshot, "")
}

// foldProgressLocked updates progress from one [download] line. Byte counts
// are derived from percent x total; the tool's raw counters drift across
// fragmented streams. Percent never decreases within one run.
func (a *Adapter) foldProgressLocked(item *model.DownloadItem, ev ytdlp.ProgressEvent) {
	if ev.TotalBytes > 0 {
		item.Progress.TotalBytes = ev.TotalBytes
	}
	if ev.Percent > item.Progress.Percent {
		item.Progress.Percent = ev.Percent
	}
	if item.Progress.TotalBytes > 0 {
		item.Progress.DownloadedBytes = int64(item.Progress.Percent / 100 * float64(item.Progress.TotalBytes))
	}
	item.Progress.Speed = ev.SpeedBytes
	if ev.SpeedBytes > 0 {
		item.Progress.SpeedStr = humanize.Bytes(uint64(ev.SpeedBytes)) + "/s"
	} else {
		item.Progress.SpeedStr = ""
	}
	item.Progress.ETASec = ev.ETASec
	if ev.ETASec > 0 {
		item.Progress.ETAStr = item.Progress.ETAString()
	} else {
		item.Progress.ETAStr = ""
	}
}

// finishJob resolves the final on-disk filename, back-fills sizes from the
// real file and flips the job to COMPLETED.
func (a *Adapter) finishJob(id string) {
	a.mu.Lock()
	item, ok := a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	recorded := item.Progress.Filename
	if recorded == "" {
		recorded = item.Filename
	}
	outputDir := item.OutputDir
	a.mu.Unlock()

	finalPath := recorded
	if recorded == "" || strings.Contains(recorded, "%(") || !fileExists(finalPath) {
		if resolved, err := platform.ResolveFinalFile(outputDir, recorded); err == nil {
			finalPath = resolved
		} else {
			a.logger.Warn("final file not resolved",
				zap.String("id", id), zap.Error(err))
		}
	}

	var size int64
	if info, err := os.Stat(finalPath); err == nil {
		size = info.Size()
	}

	a.mu.Lock()
	item, ok = a.items[id]
	if !ok || item.Status.IsFinished() {
		a.mu.Unlock()
		return
	}
	if finalPath != "" {
		item.Progress.Filename = finalPath
		item.Filename = filepath.Base(finalPath)
	}
	if size > 0 {
		item.Progress.TotalBytes = size
		item.Progress.DownloadedBytes = size
	}
	item.Progress.Percent = 100
	item.Progress.Speed = 0
	item.Progress.SpeedStr = ""
	item.Progress.ETASec = 0
	item.Progress.ETAStr = ""
	snapshot := a.setStatusLocked(item, model.StatusCompleted)
	a.mu.Unlock()

	a.emit(model.EventStatusChanged, snapshot, "")
	a.emit(model.EventComplete, snapshot, "")
	a.logger.Info("extraction complete", zap.String("id", id), zap.String("file", finalPath))
}

// failJob marks a job FAILED and emits the error event.
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

// cleanupTargetLocked derives the path whose partials should be deleted.
// Caller holds a.mu.
func (a *Adapter) cleanupTargetLocked(item *model.DownloadItem) string {
	if item.Progress.Filename != "" && !strings.Contains(item.Progress.Filename, "%(") {
		return item.Progress.Filename
	}
	if item.Filename != "" && !strings.Contains(item.Filename, "%(") {
		return filepath.Join(item.OutputDir, item.Filename)
	}
	return ""
}

func (a *Adapter) cleanupFiles(path string) {
	if err := platform.RemoveFileAndPartials(path); err != nil {
		a.logger.Warn("cleanup: could not delete file", zap.String("path", path), zap.Error(err))
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
