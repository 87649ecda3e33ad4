// Package transfer moves volume data between hosts. It owns method
// selection, the dry-run, checkpointing, retry policy and the
// temp-then-rename commit; it knows nothing about jobs or workloads.
package transfer

import (
	"errors"

	"github.com/jmagar/transdock/internal/probe"
)

type Method string

const (
	// MethodBlockClone streams a copy-on-write snapshot between matching
	// filesystems.
	MethodBlockClone Method = "block-clone"
	// MethodFileSync copies file by file and works on any filesystem.
	MethodFileSync Method = "file-sync"
)

// Fatal transfer failures. Everything not matching one of these (or a
// permission error) is treated as transient and retried with backoff.
var (
	// ErrDestinationFull is never retried; retrying cannot create space.
	ErrDestinationFull = errors.New("destination out of space")
	// ErrSourceRead is a data-integrity alarm: the rollback snapshot should
	// have made source reads infallible.
	ErrSourceRead = errors.New("source read failed")
	// ErrPathConflict is raised by the dry-run when the final destination
	// path already exists.
	ErrPathConflict = errors.New("destination path conflict")
)

// ErrDryRun wraps any failure surfaced by the pre-transfer dry-run. A
// transfer failing with it has written nothing to the destination.
var ErrDryRun = errors.New("dry-run failed")

// SelectMethod picks block-clone only when both hosts expose the same
// copy-on-write system and the caller does not force file-sync.
func SelectMethod(src, dst *probe.HostCapabilities, forceFileSync bool) Method {
	if forceFileSync {
		return MethodFileSync
	}
	if src != nil && dst != nil && src.ZFSOK && dst.ZFSOK {
		return MethodBlockClone
	}
	return MethodFileSync
}

// VolumePlan is one independent data stream within a transfer.
type VolumePlan struct {
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
	// SnapshotName is the source-side snapshot to stream for block-clone.
	SnapshotName string `json:"snapshot_name,omitempty"`
}

// Plan is everything the orchestrator needs for one job's transfer.
type Plan struct {
	JobID   string       `json:"job_id"`
	Method  Method       `json:"method"`
	Volumes []VolumePlan `json:"volumes"`
}

// Result summarizes a completed transfer.
type Result struct {
	Method           Method `json:"method"`
	BytesTransferred int64  `json:"bytes_transferred"`
	UnitsTransferred int    `json:"units_transferred"`
	UnitsSkipped     int    `json:"units_skipped"` // confirmed by an earlier checkpoint
}
