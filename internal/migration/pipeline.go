package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmagar/transdock/internal/checksum"
	"github.com/jmagar/transdock/internal/probe"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/internal/snapshot"
	"github.com/jmagar/transdock/internal/transfer"
)

// pipeline carries the per-job execution state owned by the orchestrating
// goroutine.
type pipeline struct {
	m   *Manager
	job *Job

	src remote.Executor
	dst remote.Executor
	tr  Transferer
	rec *snapshot.Record

	// stopped records that the source workload was brought down, which
	// obliges failure resolution to bring it back up.
	stopped bool
}

// runPipeline drives one job to a terminal state. It is the only goroutine
// that mutates the job record.
func (m *Manager) runPipeline(ctx context.Context, job *Job, resume bool) {
	p := &pipeline{m: m, job: job}
	err := p.execute(ctx, resume)
	if err == nil {
		m.finish(job, StatusCompleted, "migration complete", nil)
		return
	}
	p.resolveFailure(err)
}

func (p *pipeline) execute(ctx context.Context, resume bool) error {
	if err := p.connect(); err != nil {
		return err
	}
	if resume {
		if err := p.reload(); err != nil {
			return err
		}
		return p.transferAndLand(ctx, true)
	}

	if err := p.validate(ctx); err != nil {
		return err
	}
	if err := p.discover(ctx); err != nil {
		return err
	}
	if err := p.snapshot(ctx); err != nil {
		return err
	}
	if err := p.checksum(ctx); err != nil {
		return err
	}
	return p.transferAndLand(ctx, false)
}

// transferAndLand is the shared tail of fresh and resumed runs: transfer,
// verify, cutover, clean.
func (p *pipeline) transferAndLand(ctx context.Context, resume bool) error {
	if err := p.transfer(ctx, resume); err != nil {
		return err
	}
	if err := p.verify(ctx); err != nil {
		return err
	}
	if err := p.cutover(ctx); err != nil {
		return err
	}
	return p.clean(ctx)
}

func (p *pipeline) connect() error {
	var err error
	if p.src, err = p.m.deps.NewExecutor(p.job.Request.SourceHost); err != nil {
		return err
	}
	if p.dst, err = p.m.deps.NewExecutor(p.job.Request.DestHost); err != nil {
		return err
	}
	p.tr = p.m.deps.NewTransferer(p.dst)
	return nil
}

// reload reconstructs resumed state from the persisted record.
func (p *pipeline) reload() error {
	rec, err := p.m.deps.Snapshots.Get(p.job.SnapshotID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	p.rec = rec
	// The fresh run stopped the workload before it reached the transfer.
	p.stopped = true
	return nil
}

func (p *pipeline) validate(ctx context.Context) error {
	p.m.setStatus(p.job, StatusValidating, "probing source and destination hosts")

	srcCaps, err := p.m.deps.Prober.Probe(ctx, p.src)
	if err != nil {
		return fmt.Errorf("source host: %w", err)
	}
	dstCaps, err := p.m.deps.Prober.Probe(ctx, p.dst)
	if err != nil {
		return fmt.Errorf("destination host: %w", err)
	}
	if !srcCaps.DockerOK {
		return fmt.Errorf("%w: docker unavailable on source", ErrCapabilityMismatch)
	}

	method := transfer.SelectMethod(srcCaps, dstCaps, p.job.Request.ForceFileSync)
	p.m.mutate(p.job, func(j *Job) { j.Method = method })
	return nil
}

func (p *pipeline) discover(ctx context.Context) error {
	p.m.setStatus(p.job, StatusDiscovering, "resolving migration unit "+p.job.Request.UnitID)

	unit, err := p.m.deps.Resolver.Resolve(ctx, p.job.Request.UnitID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.m.mutate(p.job, func(j *Job) { j.Unit = unit })

	paths := unit.DataPaths()
	if len(paths) == 0 {
		return fmt.Errorf("%w: unit %s has no transferable volumes", ErrValidation, unit.Name)
	}
	return p.checkSpace(ctx, paths)
}

// checkSpace compares the estimated payload against destination free
// space before anything is stopped or copied. A degraded space probe
// skips the check rather than failing a migration on missing telemetry.
func (p *pipeline) checkSpace(ctx context.Context, paths []string) error {
	var need int64
	for _, path := range paths {
		need += treeSize(path)
	}

	probeTarget := p.job.Request.DestBasePath
	if p.dst.Host() == "" {
		probeTarget = existingAncestor(probeTarget)
	}
	hc := &probe.HostCapabilities{}
	p.m.deps.Prober.ProbePaths(ctx, p.dst, hc, []string{probeTarget})
	if len(hc.Paths) == 1 && hc.Paths[0].TotalBytes > 0 && hc.Paths[0].FreeBytes < uint64(need) {
		return fmt.Errorf("%w: need %d bytes, %d free at %s",
			ErrInsufficientSpace, need, hc.Paths[0].FreeBytes, probeTarget)
	}
	return nil
}

func (p *pipeline) snapshot(ctx context.Context) error {
	p.m.setStatus(p.job, StatusSnapshotting, "stopping workload and creating rollback point")

	if err := p.m.deps.Controller.Stop(ctx, p.src, p.job.Unit); err != nil {
		return fmt.Errorf("stop workload: %w", err)
	}
	p.stopped = true
	rec, err := p.m.deps.Snapshots.CreateRollbackPoint(ctx, p.job.Unit.DataPaths())
	if err != nil {
		return err
	}
	p.rec = rec

	// Block-clone needs every path on a copy-on-write dataset; if any fell
	// back to a directory copy, the whole job transfers file-sync.
	method := p.job.Method
	if method == transfer.MethodBlockClone {
		for _, e := range rec.Entries {
			if e.Method != snapshot.MethodCowSnapshot {
				method = transfer.MethodFileSync
				break
			}
		}
	}
	p.m.mutate(p.job, func(j *Job) {
		j.SnapshotID = rec.ID
		j.Method = method
	})
	return nil
}

func (p *pipeline) checksum(ctx context.Context) error {
	p.m.setStatus(p.job, StatusChecksumming, "generating source checksum manifests")

	refs := map[string]string{}
	for _, path := range p.job.Unit.DataPaths() {
		man, err := checksum.Generate(ctx, path)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", path, err)
		}
		ref, err := p.m.deps.Manifests.Save(man)
		if err != nil {
			return fmt.Errorf("store manifest for %s: %w", path, err)
		}
		refs[path] = ref
	}
	p.m.mutate(p.job, func(j *Job) { j.ManifestRefs = refs })
	return nil
}

func (p *pipeline) plan() transfer.Plan {
	plan := transfer.Plan{JobID: p.job.ID, Method: p.job.Method}
	for _, path := range p.job.Unit.DataPaths() {
		vol := transfer.VolumePlan{
			SourcePath: path,
			DestPath:   MapPath(path, p.job.Request.DestBasePath),
		}
		if p.rec != nil {
			for _, e := range p.rec.Entries {
				if e.Path == path {
					vol.SnapshotName = e.SnapshotName
					break
				}
			}
		}
		plan.Volumes = append(plan.Volumes, vol)
	}
	return plan
}

func (p *pipeline) transfer(ctx context.Context, resume bool) error {
	p.m.setStatus(p.job, StatusTransferring, fmt.Sprintf("transferring via %s", p.job.Method))

	if err := p.m.acquireTransferSlot(ctx); err != nil {
		return err
	}
	defer p.m.releaseTransferSlot()

	var err error
	var res *transfer.Result
	if resume {
		res, err = p.tr.Resume(ctx, p.plan())
		p.m.mutate(p.job, func(j *Job) { j.DestWrites = true })
	} else {
		res, err = p.tr.Transfer(ctx, p.plan())
		// A failed dry-run is the one transfer failure that writes nothing.
		if !errors.Is(err, transfer.ErrDryRun) {
			p.m.mutate(p.job, func(j *Job) { j.DestWrites = true })
		}
	}
	if err != nil {
		return err
	}
	p.m.setStatus(p.job, StatusTransferring, fmt.Sprintf(
		"transferred %d units (%d bytes, %d from checkpoint)",
		res.UnitsTransferred, res.BytesTransferred, res.UnitsSkipped))
	return nil
}

func (p *pipeline) verify(ctx context.Context) error {
	p.m.setStatus(p.job, StatusVerifying, "verifying destination against source manifests")

	for path, ref := range p.job.ManifestRefs {
		destRoot := MapPath(path, p.job.Request.DestBasePath)
		res, err := p.m.verifier.Verify(ctx, p.dst, ref, destRoot)
		if err != nil {
			return fmt.Errorf("verify %s: %w", destRoot, err)
		}
		if res.Status == Corrupted {
			return fmt.Errorf("%w: %s: %d mismatched, %d missing",
				ErrIntegrity, destRoot, len(res.Diff.Mismatched), len(res.Diff.Missing))
		}
	}
	return nil
}

func (p *pipeline) cutover(ctx context.Context) error {
	p.m.setStatus(p.job, StatusCutover, "starting workload on destination")
	rewrites := rewritesFor(p.job.Unit.DataPaths(), p.job.Request.DestBasePath)
	if err := p.m.deps.Controller.Start(ctx, p.dst, p.job.Unit, rewrites); err != nil {
		return fmt.Errorf("start workload on destination: %w", err)
	}
	return nil
}

func (p *pipeline) clean(ctx context.Context) error {
	p.m.setStatus(p.job, StatusCleaning, "releasing rollback point and checkpoint")

	if p.rec != nil {
		if err := p.m.deps.Snapshots.Release(ctx, p.rec); err != nil {
			// The migration itself succeeded; a retained snapshot is an
			// operator chore, not a failure.
			p.m.logger.Warn().Err(err).Str("job", p.job.ID).Msg("Failed to release rollback point")
		}
	}
	if err := p.tr.Discard(p.job.ID); err != nil {
		p.m.logger.Warn().Err(err).Str("job", p.job.ID).Msg("Failed to discard checkpoint")
	}
	return nil
}

// resolveFailure lands a failed or cancelled job in its terminal state,
// rolling back when the rollback point exists and the policy calls for it.
func (p *pipeline) resolveFailure(cause error) {
	cancelled := errors.Is(cause, context.Canceled)

	target := StatusFailed
	message := fmt.Sprintf("%s: %v", classify(cause), cause)
	if cancelled {
		target = StatusCancelled
		message = "cancelled by request"
	}

	// The job context is likely already cancelled; recovery gets its own
	// deadline.
	rbCtx, rbCancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer rbCancel()

	if p.shouldRollback(cancelled) {
		if _, err := p.m.deps.Snapshots.Rollback(rbCtx, p.rec); err != nil {
			// Data is in an unknown state; restarting the workload on it
			// would make things worse. The operator takes over.
			p.m.finish(p.job, StatusRollbackFailed,
				fmt.Sprintf("%s; rollback failed: %v", message, err),
				errors.Join(cause, fmt.Errorf("%w: %v", ErrRollbackFailed, err)))
			return
		}
		message += "; rollback completed"
	} else if cancelled && !p.job.DestWrites {
		message += "; no destination writes occurred"
	}

	// A workload stopped for the migration never cut over, so it comes
	// back up on its original data whether or not a rollback was needed
	// to restore it.
	if p.stopped {
		p.restartSource(rbCtx)
	}

	p.m.finish(p.job, target, message, cause)
}

// shouldRollback applies the policy: once a rollback point exists,
// failure and cancellation roll back, except that a caller may opt out
// when the destination was never written.
func (p *pipeline) shouldRollback(cancelled bool) bool {
	if p.rec == nil {
		return false
	}
	if p.job.DestWrites {
		return true
	}
	if cancelled || p.job.Request.SkipCleanRollback {
		return false
	}
	return true
}

// restartSource best-effort restarts the stopped workload against its
// original data.
func (p *pipeline) restartSource(ctx context.Context) {
	if p.job.Unit == nil {
		return
	}
	if err := p.m.deps.Controller.Start(ctx, p.src, p.job.Unit, nil); err != nil {
		p.m.logger.Warn().Err(err).Str("job", p.job.ID).Msg("Failed to restart workload on source after rollback")
	}
}

// treeSize sums regular file sizes under root; best effort.
func treeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// existingAncestor walks up from path to the deepest directory that
// exists, which is where destination free space is measured.
func existingAncestor(path string) string {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		if p == filepath.Dir(p) {
			return p
		}
	}
}
