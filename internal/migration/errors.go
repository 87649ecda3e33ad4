// Package migration owns the job lifecycle: validation, discovery,
// snapshotting, checksumming, transfer, verification, cutover and
// rollback, driven by one orchestrating goroutine per job.
package migration

import "errors"

// The job-level error taxonomy. Transport errors (remote.ErrUnreachable,
// remote.ErrPermission) and transfer errors (transfer.ErrDestinationFull,
// transfer.ErrSourceRead) join these at the classification boundary.
var (
	// ErrValidation rejects bad input before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateJob rejects a second concurrent job for the same
	// (source unit, destination) pair.
	ErrDuplicateJob = errors.New("migration already active for this source and destination")
	// ErrCapabilityMismatch means a requested transfer method is not
	// supported by the probed hosts.
	ErrCapabilityMismatch = errors.New("transfer method unsupported by host capabilities")
	// ErrInsufficientSpace fails validation when the destination cannot
	// hold the estimated payload.
	ErrInsufficientSpace = errors.New("insufficient space on destination")
	// ErrIntegrity is a post-transfer checksum mismatch. Always fatal,
	// always triggers rollback.
	ErrIntegrity = errors.New("destination data failed integrity verification")
	// ErrRollbackFailed means automatic recovery could not be confirmed
	// and an operator must intervene.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotResumable rejects Resume on a job with no usable checkpoint.
	ErrNotResumable = errors.New("job is not resumable")
)
