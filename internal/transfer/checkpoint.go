package transfer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmagar/transdock/internal/fsatomic"
)

// VolumeProgress is the per-volume cursor inside a checkpoint. Done holds
// confirmed units (relative file paths for file-sync, segment names for
// block-clone); Partial names the unit that was in flight when the
// checkpoint was last persisted and must be re-copied from scratch on
// resume.
type VolumeProgress struct {
	SourcePath string   `json:"source_path"`
	DestPath   string   `json:"dest_path"`
	Done       []string `json:"done,omitempty"`
	Partial    string   `json:"partial,omitempty"`
	Complete   bool     `json:"complete,omitempty"`
	BytesDone  int64    `json:"bytes_done"`
}

func (v *VolumeProgress) isDone(unit string) bool {
	for _, d := range v.Done {
		if d == unit {
			return true
		}
	}
	return false
}

// Checkpoint is the persisted resume cursor for one job's transfer. It is
// written through fsatomic after every confirmed unit, so a crash loses at
// most the unit in flight.
type Checkpoint struct {
	JobID     string                     `json:"job_id"`
	Method    Method                     `json:"method"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Volumes   map[string]*VolumeProgress `json:"volumes"` // keyed by source path
}

// Complete reports whether every volume committed its final rename.
func (c *Checkpoint) Complete() bool {
	for _, v := range c.Volumes {
		if !v.Complete {
			return false
		}
	}
	return true
}

// checkpointStore serializes concurrent per-volume updates onto one file.
type checkpointStore struct {
	mu   sync.Mutex
	dir  string
	curr *Checkpoint
}

func newCheckpointStore(dir string) *checkpointStore {
	return &checkpointStore{dir: dir}
}

func (s *checkpointStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Load returns the persisted checkpoint for a job, or nil if none exists.
func (s *checkpointStore) Load(jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	ok, err := fsatomic.LoadJSON(s.path(jobID), &cp)
	if err != nil || !ok {
		return nil, err
	}
	return &cp, nil
}

func (s *checkpointStore) open(cp *Checkpoint) {
	s.mu.Lock()
	s.curr = cp
	s.mu.Unlock()
}

// update applies fn to the current checkpoint under the lock and persists
// the result before returning.
func (s *checkpointStore) update(fn func(*Checkpoint)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.curr)
	s.curr.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return err
	}
	return fsatomic.SaveJSON(s.path(s.curr.JobID), s.curr, 0o600)
}

// Discard removes a job's checkpoint once its transfer has been verified
// and cut over.
func (s *checkpointStore) Discard(jobID string) error {
	err := os.Remove(s.path(jobID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
