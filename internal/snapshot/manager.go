// Package snapshot creates and manages rollback points for migration jobs.
// Paths backed by a ZFS dataset get an instantaneous copy-on-write snapshot;
// anything else falls back to a full directory copy next to the original.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/shell"
)

type Method string

const (
	MethodCowSnapshot   Method = "cow-snapshot"
	MethodDirectoryCopy Method = "directory-copy"
)

// ErrSnapshotFailed is fatal to a job: no snapshot, no migration.
var ErrSnapshotFailed = errors.New("snapshot creation failed")

const snapshotPrefix = "transdock"

// Entry is the rollback point for a single data path.
type Entry struct {
	Path         string `json:"path"`
	Method       Method `json:"method"`
	SnapshotName string `json:"snapshot_name,omitempty"` // dataset@name for cow-snapshot
	BackupPath   string `json:"backup_path,omitempty"`   // sibling copy for directory-copy
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

// Record is one job's rollback point across all of its data paths. Created
// once, immediately after the workload is stopped and before any data is
// read for transfer.
type Record struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	Entries    []Entry    `json:"entries"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

type RollbackResult struct {
	Restored []string `json:"restored"`
}

// Manager creates, rolls back and releases rollback points on the source
// host (the host the daemon runs on).
type Manager struct {
	logger    zerolog.Logger
	exec      remote.Executor
	store     *recordStore
	retention time.Duration
}

func NewManager(logger zerolog.Logger, exec remote.Executor, stateDir string, retention time.Duration) *Manager {
	return &Manager{
		logger:    logger.With().Str("component", "snapshot-manager").Logger(),
		exec:      exec,
		store:     newRecordStore(filepath.Join(stateDir, "snapshots")),
		retention: retention,
	}
}

// CreateRollbackPoint snapshots every data path. It either fully succeeds or
// tears down its partial work and fails; a half-made rollback point is worse
// than none because later steps would trust it.
func (m *Manager) CreateRollbackPoint(ctx context.Context, dataPaths []string) (*Record, error) {
	rec := &Record{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}

	for _, path := range dataPaths {
		entry, err := m.snapshotPath(ctx, rec.ID, path)
		if err != nil {
			m.teardown(ctx, rec)
			return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotFailed, path, err)
		}
		rec.Entries = append(rec.Entries, entry)
	}

	if err := m.store.save(rec); err != nil {
		m.teardown(ctx, rec)
		return nil, fmt.Errorf("%w: persist record: %v", ErrSnapshotFailed, err)
	}

	m.logger.Info().Str("id", rec.ID).Int("paths", len(rec.Entries)).Msg("Rollback point created")
	return rec, nil
}

func (m *Manager) snapshotPath(ctx context.Context, recID, path string) (Entry, error) {
	if ds, ok := m.datasetFor(ctx, path); ok {
		name := fmt.Sprintf("%s@%s-%s", ds, snapshotPrefix, time.Now().Format("20060102-150405"))
		if res, err := m.exec.Run(ctx, time.Minute, "zfs", "snapshot", name); err != nil {
			return Entry{}, fmt.Errorf("zfs snapshot %s: %v: %s", name, err, res.Stderr)
		}
		return Entry{
			Path:         path,
			Method:       MethodCowSnapshot,
			SnapshotName: name,
			SizeBytes:    m.datasetUsed(ctx, ds),
		}, nil
	}

	// No copy-on-write backing: pay for a full sibling copy.
	backup := fmt.Sprintf("%s.rollback-%s", strings.TrimRight(path, "/"), recID[:8])
	size, err := copyTree(ctx, path, backup)
	if err != nil {
		_ = os.RemoveAll(backup)
		return Entry{}, fmt.Errorf("directory copy to %s: %w", backup, err)
	}
	return Entry{
		Path:       path,
		Method:     MethodDirectoryCopy,
		BackupPath: backup,
		SizeBytes:  size,
	}, nil
}

// Rollback restores every entry's data path from its rollback point. The
// record stays on disk afterwards so a second attempt remains possible.
func (m *Manager) Rollback(ctx context.Context, rec *Record) (RollbackResult, error) {
	var result RollbackResult
	for _, e := range rec.Entries {
		switch e.Method {
		case MethodCowSnapshot:
			if res, err := m.exec.Run(ctx, 5*time.Minute, "zfs", "rollback", "-r", e.SnapshotName); err != nil {
				return result, fmt.Errorf("zfs rollback %s: %v: %s", e.SnapshotName, err, res.Stderr)
			}
		case MethodDirectoryCopy:
			if err := os.RemoveAll(e.Path); err != nil {
				return result, fmt.Errorf("clear %s: %w", e.Path, err)
			}
			if _, err := copyTree(ctx, e.BackupPath, e.Path); err != nil {
				return result, fmt.Errorf("restore %s from %s: %w", e.Path, e.BackupPath, err)
			}
		default:
			return result, fmt.Errorf("unknown snapshot method %q", e.Method)
		}
		result.Restored = append(result.Restored, e.Path)
		m.logger.Info().Str("path", e.Path).Str("method", string(e.Method)).Msg("Rolled back")
	}
	return result, nil
}

// Release marks the rollback point safe to discard. With zero retention it
// is destroyed immediately; otherwise the sweeper destroys it once aged out.
func (m *Manager) Release(ctx context.Context, rec *Record) error {
	if m.retention == 0 {
		if err := m.destroy(ctx, rec); err != nil {
			return err
		}
		m.logger.Info().Str("id", rec.ID).Msg("Rollback point destroyed on release")
		return nil
	}

	now := time.Now().UTC()
	rec.ReleasedAt = &now
	if err := m.store.save(rec); err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	m.logger.Info().Str("id", rec.ID).Dur("retention", m.retention).Msg("Rollback point released, retained")
	return nil
}

// Sweep destroys released rollback points older than the retention window.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	recs, err := m.store.list()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-m.retention)
	swept := 0
	for _, rec := range recs {
		if rec.ReleasedAt == nil || rec.ReleasedAt.After(cutoff) {
			continue
		}
		if err := m.destroy(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Str("id", rec.ID).Msg("Failed to sweep rollback point")
			continue
		}
		swept++
	}
	if swept > 0 {
		m.logger.Info().Int("count", swept).Msg("Swept released rollback points")
	}
	return swept, nil
}

func (m *Manager) destroy(ctx context.Context, rec *Record) error {
	for _, e := range rec.Entries {
		switch e.Method {
		case MethodCowSnapshot:
			if res, err := m.exec.Run(ctx, time.Minute, "zfs", "destroy", e.SnapshotName); err != nil {
				return fmt.Errorf("zfs destroy %s: %v: %s", e.SnapshotName, err, res.Stderr)
			}
		case MethodDirectoryCopy:
			if err := os.RemoveAll(e.BackupPath); err != nil {
				return fmt.Errorf("remove %s: %w", e.BackupPath, err)
			}
		}
	}
	return m.store.remove(rec.ID)
}

func (m *Manager) teardown(ctx context.Context, rec *Record) {
	if err := m.destroy(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Str("id", rec.ID).Msg("Teardown of partial rollback point failed")
	}
}

// datasetFor reports the ZFS dataset backing path, if any. Paths under /mnt/
// map to datasets by stripping the prefix, matching the source deployment
// convention.
func (m *Manager) datasetFor(ctx context.Context, path string) (string, bool) {
	if !shell.Available("zfs") {
		return "", false
	}
	ds := strings.TrimPrefix(filepath.Clean(path), "/mnt/")
	if ds == filepath.Clean(path) {
		return "", false
	}
	if _, err := m.exec.Run(ctx, 15*time.Second, "zfs", "list", "-H", "-o", "name", ds); err != nil {
		return "", false
	}
	return ds, true
}

func (m *Manager) datasetUsed(ctx context.Context, ds string) int64 {
	res, err := m.exec.Run(ctx, 15*time.Second, "zfs", "list", "-Hp", "-o", "used", ds)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
	return n
}

// Get loads a persisted record, for resume after a process restart.
func (m *Manager) Get(id string) (*Record, error) {
	return m.store.get(id)
}
