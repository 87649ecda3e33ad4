package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/pkg/shell"
)

// Orchestrator executes transfer plans against one destination host.
// Independent volumes run in parallel under a bounded worker pool; all
// checkpoint writes funnel through one store.
type Orchestrator struct {
	logger      zerolog.Logger
	dst         remote.Executor
	store       *checkpointStore
	workers     int
	maxAttempts uint64

	// AfterUnit, when set, runs after each confirmed unit. Used to inject
	// failures at unit boundaries in tests.
	AfterUnit func(volume, unit string) error
}

func NewOrchestrator(logger zerolog.Logger, dst remote.Executor, stateDir string, workers int, maxAttempts uint64) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		logger:      logger.With().Str("component", "transfer").Logger(),
		dst:         dst,
		store:       newCheckpointStore(filepath.Join(stateDir, "checkpoints")),
		workers:     workers,
		maxAttempts: maxAttempts,
	}
}

// Checkpoint returns the persisted checkpoint for a job, nil if none.
func (o *Orchestrator) Checkpoint(jobID string) (*Checkpoint, error) {
	return o.store.Load(jobID)
}

// Discard drops a job's checkpoint after verified cutover.
func (o *Orchestrator) Discard(jobID string) error {
	return o.store.Discard(jobID)
}

// Transfer runs a fresh plan: mandatory dry-run first, then the real copy.
// No byte lands in any final path; everything goes to a temporary location
// committed by a single rename per volume.
func (o *Orchestrator) Transfer(ctx context.Context, plan Plan) (*Result, error) {
	if err := o.dryRun(ctx, plan); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDryRun, err)
	}
	cp := &Checkpoint{
		JobID:   plan.JobID,
		Method:  plan.Method,
		Volumes: map[string]*VolumeProgress{},
	}
	for _, v := range plan.Volumes {
		cp.Volumes[v.SourcePath] = &VolumeProgress{SourcePath: v.SourcePath, DestPath: v.DestPath}
	}
	return o.run(ctx, plan, cp, false)
}

// Resume continues an interrupted transfer from its persisted checkpoint.
// Confirmed units are skipped; the unit that was in flight is re-copied
// from scratch. The dry-run is not repeated: it guards the first write,
// which already happened.
func (o *Orchestrator) Resume(ctx context.Context, plan Plan) (*Result, error) {
	cp, err := o.store.Load(plan.JobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint for job %s", plan.JobID)
	}
	return o.run(ctx, plan, cp, true)
}

type counters struct {
	mu      sync.Mutex
	bytes   int64
	units   int
	skipped int
}

func (o *Orchestrator) run(ctx context.Context, plan Plan, cp *Checkpoint, resume bool) (*Result, error) {
	for _, vol := range plan.Volumes {
		if cp.Volumes[vol.SourcePath] == nil {
			cp.Volumes[vol.SourcePath] = &VolumeProgress{SourcePath: vol.SourcePath, DestPath: vol.DestPath}
		}
	}
	o.store.open(cp)
	var c counters

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, vol := range plan.Volumes {
		vol := vol
		g.Go(func() error {
			switch plan.Method {
			case MethodBlockClone:
				return o.blockCloneVolume(gctx, vol, &c)
			default:
				return o.fileSyncVolume(gctx, vol, resume, &c)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Method:           plan.Method,
		BytesTransferred: c.bytes,
		UnitsTransferred: c.units,
		UnitsSkipped:     c.skipped,
	}
	o.logger.Info().Str("job", plan.JobID).Str("method", string(plan.Method)).
		Int64("bytes", res.BytesTransferred).Int("units", res.UnitsTransferred).
		Int("skipped", res.UnitsSkipped).Msg("Transfer complete")
	return res, nil
}

// dryRun surfaces destination-side problems before any byte is committed:
// path conflicts, unwritable parents, unreadable sources.
func (o *Orchestrator) dryRun(ctx context.Context, plan Plan) error {
	cop := o.copier()
	for _, vol := range plan.Volumes {
		if exists, err := cop.exists(ctx, vol.DestPath); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: %s already exists", ErrPathConflict, vol.DestPath)
		}
		if plan.Method == MethodBlockClone {
			if res, err := shell.Run(ctx, time.Minute, "sh", "-c",
				"zfs send -nv "+remote.Quote(vol.SnapshotName)); err != nil {
				return fmt.Errorf("zfs send dry-run %s: %v: %s", vol.SnapshotName, err, res.Stderr)
			}
			continue
		}
		parent := filepath.Dir(vol.DestPath)
		if err := cop.mkdirAll(ctx, parent); err != nil {
			return err
		}
		if err := cop.writable(ctx, parent); err != nil {
			return err
		}
		if _, err := listUnits(vol.SourcePath); err != nil {
			return fmt.Errorf("%w: %v", ErrSourceRead, err)
		}
	}
	return nil
}

func (o *Orchestrator) fileSyncVolume(ctx context.Context, vol VolumePlan, resume bool, c *counters) error {
	cop := o.copier()
	var vp VolumeProgress
	_ = o.store.update(func(cp *Checkpoint) { vp = *cp.Volumes[vol.SourcePath] })
	if vp.Complete {
		return nil
	}

	tmp := partialPath(vol.DestPath)
	// A fresh transfer owns the temp tree outright: whatever an earlier
	// failed job left there must not ride along into the commit rename.
	if !resume {
		if err := cop.removeAll(ctx, tmp); err != nil {
			return err
		}
	}
	if err := cop.mkdirAll(ctx, tmp); err != nil {
		return err
	}

	// A unit that was mid-copy when we stopped may be half-written in the
	// temp tree; drop it and copy it again from the start.
	if resume && vp.Partial != "" {
		if err := cop.removeAll(ctx, filepath.Join(tmp, vp.Partial)); err != nil {
			return err
		}
	}

	units, err := listUnits(vol.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceRead, err)
	}

	for _, u := range units {
		// Cancellation is honored here, between units, never mid-copy.
		if err := ctx.Err(); err != nil {
			return err
		}
		if vp.isDone(u.rel) {
			c.mu.Lock()
			c.skipped++
			c.mu.Unlock()
			continue
		}

		if err := o.store.update(func(cp *Checkpoint) {
			cp.Volumes[vol.SourcePath].Partial = u.rel
		}); err != nil {
			return err
		}

		var n int64
		err := o.withRetry(ctx, func() error {
			var copyErr error
			n, copyErr = o.copyUnit(ctx, cop, vol, tmp, u)
			return copyErr
		})
		if err != nil {
			return fmt.Errorf("copy %s/%s: %w", vol.SourcePath, u.rel, err)
		}

		if err := o.store.update(func(cp *Checkpoint) {
			v := cp.Volumes[vol.SourcePath]
			v.Done = append(v.Done, u.rel)
			v.Partial = ""
			v.BytesDone += n
		}); err != nil {
			return err
		}
		vp.Done = append(vp.Done, u.rel)
		c.mu.Lock()
		c.bytes += n
		c.units++
		c.mu.Unlock()

		if o.AfterUnit != nil {
			if err := o.AfterUnit(vol.SourcePath, u.rel); err != nil {
				return err
			}
		}
	}

	// Single atomic commit. Until this rename the final path is untouched.
	if err := cop.rename(ctx, tmp, vol.DestPath); err != nil {
		return fmt.Errorf("commit %s: %w", vol.DestPath, err)
	}
	return o.store.update(func(cp *Checkpoint) {
		cp.Volumes[vol.SourcePath].Complete = true
	})
}

func (o *Orchestrator) copyUnit(ctx context.Context, cop copier, vol VolumePlan, tmp string, u unit) (int64, error) {
	dst := filepath.Join(tmp, u.rel)
	if err := cop.mkdirAll(ctx, filepath.Dir(dst)); err != nil {
		return 0, err
	}
	if u.symlink {
		return 0, o.copySymlink(ctx, filepath.Join(vol.SourcePath, u.rel), dst)
	}
	return cop.copyFile(ctx, filepath.Join(vol.SourcePath, u.rel), dst, u.perm)
}

func (o *Orchestrator) copySymlink(ctx context.Context, src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceRead, err)
	}
	if o.dst.Host() == "" {
		_ = os.Remove(dst)
		return os.Symlink(target, dst)
	}
	_, err = o.dst.Run(ctx, sshOpTimeout, "ln", "-sfn", target, dst)
	return err
}

// blockCloneVolume streams the volume's snapshot in one send segment,
// receives it into a sibling dataset, then renames it into place.
func (o *Orchestrator) blockCloneVolume(ctx context.Context, vol VolumePlan, c *counters) error {
	const segment = "send:full"
	var vp VolumeProgress
	_ = o.store.update(func(cp *Checkpoint) { vp = *cp.Volumes[vol.SourcePath] })
	if vp.Complete {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dstDS := datasetFromPath(vol.DestPath)
	tmpDS := dstDS + "-partial"

	if !vp.isDone(segment) {
		if err := o.store.update(func(cp *Checkpoint) {
			cp.Volumes[vol.SourcePath].Partial = segment
		}); err != nil {
			return err
		}
		err := o.withRetry(ctx, func() error {
			// A failed receive leaves a partial dataset that blocks the
			// next attempt; clear it first.
			_, _ = o.dst.Run(ctx, time.Minute, "zfs", "destroy", "-r", tmpDS)
			script := fmt.Sprintf("zfs send %s | %szfs receive -F %s",
				remote.Quote(vol.SnapshotName), o.sshPipePrefix(), remote.Quote(tmpDS))
			res, err := shell.Run(ctx, 12*time.Hour, "sh", "-c", script)
			if err != nil {
				return classifySend(res, err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("block-clone %s: %w", vol.SourcePath, err)
		}
		if err := o.store.update(func(cp *Checkpoint) {
			v := cp.Volumes[vol.SourcePath]
			v.Done = append(v.Done, segment)
			v.Partial = ""
		}); err != nil {
			return err
		}
		c.mu.Lock()
		c.units++
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
	}

	if res, err := o.dst.Run(ctx, time.Minute, "zfs", "rename", tmpDS, dstDS); err != nil {
		return fmt.Errorf("commit dataset %s: %v: %s", dstDS, err, res.Stderr)
	}
	return o.store.update(func(cp *Checkpoint) {
		cp.Volumes[vol.SourcePath].Complete = true
	})
}

func (o *Orchestrator) sshPipePrefix() string {
	ssh, ok := o.dst.(*remote.SSH)
	if !ok {
		return ""
	}
	args := ssh.BaseArgs()
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, remote.Quote(a))
	}
	return "ssh " + strings.Join(quoted, " ") + " "
}

func classifySend(res shell.Result, err error) error {
	stderr := strings.ToLower(string(res.Stderr))
	switch {
	case strings.Contains(stderr, "out of space"), strings.Contains(stderr, "no space left"):
		return fmt.Errorf("%w: %s", ErrDestinationFull, firstLine(stderr))
	case strings.Contains(stderr, "permission denied"):
		return fmt.Errorf("%w: %s", remote.ErrPermission, firstLine(stderr))
	}
	return fmt.Errorf("zfs send/receive: %w: %s", err, firstLine(stderr))
}

// withRetry retries transient failures with exponential backoff up to the
// configured attempt bound. Fatal classes are escalated immediately.
func (o *Orchestrator) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), o.maxAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return backoff.Permanent(err)
		}
		o.logger.Warn().Err(err).Msg("Transient transfer failure, will retry")
		return err
	}, bo)
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// isFatal reports whether err must not be retried.
func isFatal(err error) bool {
	return errors.Is(err, ErrDestinationFull) ||
		errors.Is(err, ErrSourceRead) ||
		errors.Is(err, ErrPathConflict) ||
		errors.Is(err, remote.ErrPermission) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) copier() copier {
	if ssh, ok := o.dst.(*remote.SSH); ok {
		return sshCopier{dst: ssh}
	}
	return localCopier{}
}

type unit struct {
	rel     string
	perm    fs.FileMode
	symlink bool
}

// listUnits enumerates a volume's transferable units (regular files and
// symlinks) in a deterministic order.
func listUnits(root string) ([]unit, error) {
	var units []unit
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode().IsRegular():
			units = append(units, unit{rel: rel, perm: info.Mode().Perm()})
		case info.Mode()&fs.ModeSymlink != 0:
			units = append(units, unit{rel: rel, symlink: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(units, func(i, j int) bool { return units[i].rel < units[j].rel })
	return units, nil
}

// partialPath is the temporary tree a volume is written into before its
// one-shot rename to DestPath.
func partialPath(destPath string) string {
	dir, base := filepath.Split(filepath.Clean(destPath))
	return filepath.Join(dir, "."+base+".partial")
}

// datasetFromPath maps a mount path under /mnt/ to its ZFS dataset name.
func datasetFromPath(path string) string {
	return strings.TrimPrefix(filepath.Clean(path), "/mnt/")
}
