package migration

import (
	"time"

	"github.com/jmagar/transdock/internal/discovery"
	"github.com/jmagar/transdock/internal/transfer"
)

// Status is a state in the linear job lifecycle. failed, cancelled and
// rollback_failed are absorbing.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusValidating     Status = "validating"
	StatusDiscovering    Status = "discovering"
	StatusSnapshotting   Status = "snapshotting"
	StatusChecksumming   Status = "checksumming"
	StatusTransferring   Status = "transferring"
	StatusVerifying      Status = "verifying"
	StatusCutover        Status = "cutover"
	StatusCleaning       Status = "cleaning"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusRollbackFailed Status = "rollback_failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRollbackFailed:
		return true
	}
	return false
}

// progressFor maps each state to the floor of its progress percentage.
// Progress only ever moves forward; a terminal failure keeps the last
// value reached.
var progressFor = map[Status]int{
	StatusInitializing: 0,
	StatusValidating:   5,
	StatusDiscovering:  15,
	StatusSnapshotting: 30,
	StatusChecksumming: 45,
	StatusTransferring: 55,
	StatusVerifying:    85,
	StatusCutover:      92,
	StatusCleaning:     97,
	StatusCompleted:    100,
}

// Step is one recorded transition in a job's history.
type Step struct {
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Request is the inbound contract for starting a migration. Host
// references resolve to credentials through the credential resolver; raw
// credentials never appear here.
type Request struct {
	// UnitID identifies the migration unit: a compose project name, a
	// compose directory path, a container name, or a label selector.
	UnitID string `json:"unit_id"`
	// SourceHost is empty for the local host.
	SourceHost string `json:"source_host,omitempty"`
	// DestHost is empty for a local move.
	DestHost string `json:"dest_host,omitempty"`
	// DestBasePath is the destination root the unit's volumes map under.
	DestBasePath string `json:"dest_base_path"`
	// ForceFileSync disables block-clone even when both ends support it.
	ForceFileSync bool `json:"force_file_sync,omitempty"`
	// SkipCleanRollback skips rollback on failure when no destination
	// write has happened, leaving the stopped workload as-is.
	SkipCleanRollback bool `json:"skip_clean_rollback,omitempty"`
}

// Job is the persisted record of one migration. It is owned by the job's
// orchestrating goroutine; everyone else sees copies.
type Job struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
	Steps    []Step `json:"steps"`

	Unit       *discovery.MigrationUnit `json:"unit,omitempty"`
	Method     transfer.Method          `json:"method,omitempty"`
	SnapshotID string                   `json:"snapshot_id,omitempty"`
	// ManifestRefs maps each source data path to its manifest's content
	// address; manifests are stored by content, never embedded.
	ManifestRefs map[string]string `json:"manifest_refs,omitempty"`
	// DestWrites records whether any destination-side write happened,
	// which decides whether cancellation and failure must roll back.
	DestWrites bool `json:"dest_writes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// pairKey identifies the exclusivity domain: one active job per source
// unit and destination.
func (r Request) pairKey() string {
	return r.UnitID + "\x00" + r.DestHost + "\x00" + r.DestBasePath
}

func (j *Job) clone() *Job {
	c := *j
	c.Steps = append([]Step(nil), j.Steps...)
	if j.ManifestRefs != nil {
		c.ManifestRefs = make(map[string]string, len(j.ManifestRefs))
		for k, v := range j.ManifestRefs {
			c.ManifestRefs[k] = v
		}
	}
	return &c
}
