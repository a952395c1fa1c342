// Package model defines the core data types shared by the download engine:
// jobs, progress snapshots, statuses, classifier verdicts, media metadata
// and the events emitted to the boundary layer.
package model
