package model

// Status represents the lifecycle state of a download job.
type Status string

const (
	// StatusPending means the job is queued but not admitted yet.
	StatusPending Status = "pending"

	// StatusDownloading means the transfer or extraction is in progress.
	StatusDownloading Status = "downloading"

	// StatusMerging means the extractor finished downloading and is
	// post-processing separate video/audio streams.
	StatusMerging Status = "merging"

	// StatusPaused means the job was paused by the caller.
	StatusPaused Status = "paused"

	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the job failed with an error.
	StatusFailed Status = "failed"

	// StatusCancelled means the job was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsActive returns true while the job occupies a scheduler slot.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusMerging
}

// IsFinished returns true if the job reached a terminal state.
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsResumable returns true if the scheduler may (re)admit the job.
// Pending and paused are the only states eligible for admission.
func (s Status) IsResumable() bool {
	return s == StatusPending || s == StatusPaused
}
