package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/checksum"
	"github.com/jmagar/transdock/internal/discovery"
	"github.com/jmagar/transdock/internal/probe"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/internal/snapshot"
	"github.com/jmagar/transdock/internal/transfer"
)

// fakeController records workload stop/start calls and can block Stop to
// hold a job mid-pipeline.
type fakeController struct {
	mu       sync.Mutex
	stops    int
	starts   []([]PathRewrite)
	blockCh  chan struct{} // if set, Stop blocks until closed
	stopErr  error
	startErr error
}

func (f *fakeController) Stop(ctx context.Context, _ remote.Executor, _ *discovery.MigrationUnit) error {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeController) Start(_ context.Context, _ remote.Executor, _ *discovery.MigrationUnit, rewrites []PathRewrite) error {
	f.mu.Lock()
	f.starts = append(f.starts, rewrites)
	f.mu.Unlock()
	return f.startErr
}

type fakeResolver struct {
	unit *discovery.MigrationUnit
	err  error
}

func (f fakeResolver) Resolve(context.Context, string) (*discovery.MigrationUnit, error) {
	return f.unit, f.err
}

// fakeProber reports docker present on every host so pipelines run on
// machines without a container runtime.
type fakeProber struct{}

func (fakeProber) Probe(_ context.Context, exec remote.Executor) (*probe.HostCapabilities, error) {
	return &probe.HostCapabilities{Host: exec.Host(), ProbedAt: time.Now().UTC(), DockerOK: true}, nil
}

func (fakeProber) ProbePaths(ctx context.Context, exec remote.Executor, caps *probe.HostCapabilities, paths []string) {
	probe.New(zerolog.Nop()).ProbePaths(ctx, exec, caps, paths)
}

// harness bundles a manager with real snapshot/checksum/transfer
// components running against local temp directories.
type harness struct {
	m          *Manager
	controller *fakeController
	stateDir   string
	srcData    string
	destBase   string
	transferer *transfer.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stateDir := t.TempDir()

	srcData := filepath.Join(t.TempDir(), "appdata", "unit")
	mustWrite(t, filepath.Join(srcData, "a"), []byte("0123456789"))
	mustWrite(t, filepath.Join(srcData, "b"), nil)
	mustWrite(t, filepath.Join(srcData, "c"), make([]byte, 1<<20))

	unit := &discovery.MigrationUnit{
		Kind: discovery.KindContainerSet,
		Name: "unit",
		Workloads: []discovery.Workload{
			{Name: "unit", Image: "example:latest"},
		},
		Volumes: []discovery.VolumeMount{{Source: srcData, Target: "/config"}},
	}

	h := &harness{
		controller: &fakeController{},
		stateDir:   stateDir,
		srcData:    srcData,
		destBase:   filepath.Join(t.TempDir(), "dest"),
	}
	h.transferer = transfer.NewOrchestrator(zerolog.Nop(), remote.Local{}, stateDir, 2, 1)
	h.m = NewManager(Deps{
		Logger:    zerolog.Nop(),
		Store:     NewFileStore(stateDir),
		Resolver:  fakeResolver{unit: unit},
		Prober:    fakeProber{},
		Snapshots: snapshot.NewManager(zerolog.Nop(), remote.Local{}, stateDir, 0),
		Manifests: checksum.NewStore(stateDir),
		Controller: h.controller,
		NewExecutor: func(string) (remote.Executor, error) {
			return remote.Local{}, nil
		},
		NewTransferer: func(remote.Executor) Transferer {
			return h.transferer
		},
		MaxTransferring: 2,
	})
	return h
}

func (h *harness) request() Request {
	return Request{UnitID: "unit", DestBasePath: h.destBase}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func assertTreesEqual(t *testing.T, src, dst string) {
	t.Helper()
	a, err := checksum.Generate(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := checksum.Generate(context.Background(), dst)
	if err != nil {
		t.Fatal(err)
	}
	if diff := checksum.Compare(a, b); !diff.Clean() {
		t.Fatalf("trees differ: %+v", diff)
	}
}

func TestValidationRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	cases := []Request{
		{UnitID: "", DestBasePath: "/mnt/tank"},
		{UnitID: "unit", DestBasePath: ""},
		{UnitID: "unit", DestBasePath: "relative/path"},
		{UnitID: "unit", DestBasePath: "/mnt/tank", DestHost: "-oProxyCommand=evil"},
		{UnitID: "unit", DestBasePath: "/mnt/tank", SourceHost: "host name"},
	}
	for _, req := range cases {
		if _, err := h.m.Start(req); !errors.Is(err, ErrValidation) {
			t.Fatalf("Start(%+v) = %v, want ErrValidation", req, err)
		}
	}
}

func TestMigrationHappyPath(t *testing.T) {
	h := newHarness(t)
	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, h.m, job.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Message)
	}
	if final.Progress != 100 {
		t.Fatalf("progress = %d, want 100", final.Progress)
	}
	if final.Method != transfer.MethodFileSync {
		t.Fatalf("method = %s, want file-sync on non-zfs hosts", final.Method)
	}

	// The workload was stopped before the snapshot and restarted on the
	// destination with rewritten paths.
	if h.controller.stops != 1 || len(h.controller.starts) != 1 {
		t.Fatalf("stops = %d starts = %d", h.controller.stops, len(h.controller.starts))
	}
	rewrites := h.controller.starts[0]
	if len(rewrites) != 1 || rewrites[0].From != h.srcData {
		t.Fatalf("rewrites = %+v", rewrites)
	}

	// Destination content matches the source exactly.
	destPath := MapPath(h.srcData, h.destBase)
	assertTreesEqual(t, h.srcData, destPath)

	// Manifest was captured: 3 files plus an aggregate.
	if len(final.ManifestRefs) != 1 {
		t.Fatalf("manifest refs = %v", final.ManifestRefs)
	}

	// With zero retention the rollback point is destroyed on release, and
	// the checkpoint is discarded.
	globs, _ := filepath.Glob(h.srcData + ".rollback-*")
	if len(globs) != 0 {
		t.Fatalf("rollback backups remain: %v", globs)
	}
	cp, err := h.transferer.Checkpoint(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Fatal("checkpoint not discarded after completion")
	}

	// Full step history with timestamps, in lifecycle order.
	wantOrder := []Status{StatusInitializing, StatusValidating, StatusDiscovering,
		StatusSnapshotting, StatusChecksumming, StatusTransferring, StatusVerifying,
		StatusCutover, StatusCleaning, StatusCompleted}
	idx := 0
	for _, step := range final.Steps {
		if idx < len(wantOrder) && step.Status == wantOrder[idx] {
			idx++
		}
		if step.At.IsZero() {
			t.Fatal("step without timestamp")
		}
	}
	if idx != len(wantOrder) {
		t.Fatalf("step history missing states, matched %d of %d: %+v", idx, len(wantOrder), final.Steps)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	last := -1
	for {
		snap, err := h.m.GetStatus(job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, snap.Progress)
		}
		last = snap.Progress
		if snap.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDuplicatePairRejected(t *testing.T) {
	h := newHarness(t)
	h.controller.blockCh = make(chan struct{})

	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	// Identical request while the first is active: rejected, not queued.
	if _, err := h.m.Start(h.request()); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("second Start = %v, want ErrDuplicateJob", err)
	}
	// A different destination is a different pair and is admitted.
	other := h.request()
	other.DestBasePath = filepath.Join(t.TempDir(), "elsewhere")
	second, err := h.m.Start(other)
	if err != nil {
		t.Fatalf("different pair rejected: %v", err)
	}

	close(h.controller.blockCh)
	if got := waitTerminal(t, h.m, job.ID); got.Status != StatusCompleted {
		t.Fatalf("first job = %s (%s)", got.Status, got.Message)
	}
	waitTerminal(t, h.m, second.ID)
}

func TestCancelBeforeDestinationWrites(t *testing.T) {
	h := newHarness(t)
	h.controller.blockCh = make(chan struct{})

	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	// Wait until the pipeline is inside the blocked stop call.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := h.m.GetStatus(job.ID)
		if snap.Status == StatusSnapshotting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached snapshotting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.m.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final := waitTerminal(t, h.m, job.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.DestWrites {
		t.Fatal("no destination write should have occurred")
	}

	// The pair frees up for a new attempt. Unblock the controller and run
	// the retry to its terminal state so no pipeline goroutine outlives
	// the test.
	close(h.controller.blockCh)
	h.controller.blockCh = nil
	second, err := h.m.Start(h.request())
	if err != nil {
		t.Fatalf("pair not released after cancel: %v", err)
	}
	if final := waitTerminal(t, h.m, second.ID); final.Status != StatusCompleted {
		t.Fatalf("retry status = %s, want completed", final.Status)
	}
}

func TestSnapshotFailureRestartsSourceWorkload(t *testing.T) {
	h := newHarness(t)
	// A data path that vanished between discovery and snapshotting makes
	// the rollback point fail after the workload was already stopped.
	unit := &discovery.MigrationUnit{
		Kind:      discovery.KindContainerSet,
		Name:      "unit",
		Workloads: []discovery.Workload{{Name: "unit", Image: "example:latest"}},
		Volumes:   []discovery.VolumeMount{{Source: filepath.Join(t.TempDir(), "vanished"), Target: "/config"}},
	}
	h.m.deps.Resolver = fakeResolver{unit: unit}

	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, h.m, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s (%s), want failed", final.Status, final.Message)
	}

	h.controller.mu.Lock()
	stops, starts := h.controller.stops, h.controller.starts
	h.controller.mu.Unlock()
	if stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}
	if len(starts) != 1 || starts[0] != nil {
		t.Fatalf("starts = %v, want one source restart without rewrites", starts)
	}
}

func TestTransferFailureRollsBackAndResumeCompletes(t *testing.T) {
	h := newHarness(t)

	// Drop the link after file a is confirmed, exhausting the retry
	// budget with a transient error.
	h.transferer.AfterUnit = func(_, unit string) error {
		if unit == "a" {
			return fmt.Errorf("connection reset by peer")
		}
		return nil
	}
	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, h.m, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s (%s), want failed", final.Status, final.Message)
	}
	if !final.DestWrites {
		t.Fatal("destination writes not recorded")
	}

	// The checkpoint survived with file a confirmed, the rollback point
	// still exists, and the source data is intact.
	cp, err := h.transferer.Checkpoint(job.ID)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint lost: %v, %v", cp, err)
	}
	if done := cp.Volumes[h.srcData].Done; len(done) != 1 || done[0] != "a" {
		t.Fatalf("checkpoint done units = %v, want [a]", done)
	}
	if got, _ := os.ReadFile(filepath.Join(h.srcData, "a")); string(got) != "0123456789" {
		t.Fatalf("source mutated: %q", got)
	}

	// Resume with the fault cleared: only b and c are copied.
	h.transferer.AfterUnit = nil
	resumed, err := h.m.Resume(job.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final = waitTerminal(t, h.m, resumed.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("resumed status = %s (%s)", final.Status, final.Message)
	}
	found := false
	for _, step := range final.Steps {
		if step.Message == "resuming from checkpoint" {
			found = true
		}
	}
	if !found {
		t.Fatal("resume step not recorded")
	}
	assertTreesEqual(t, h.srcData, MapPath(h.srcData, h.destBase))
}

func TestIntegrityFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	h.m.deps.NewTransferer = func(remote.Executor) Transferer {
		return corruptingTransferer{h.transferer, h.destBase}
	}

	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, h.m, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s (%s), want failed", final.Status, final.Message)
	}
	if !errorsContains(final.Error, "integrity") {
		t.Fatalf("error = %q, want integrity classification", final.Error)
	}
	// The workload was restarted on the source after rollback, with no
	// path rewrites.
	h.controller.mu.Lock()
	defer h.controller.mu.Unlock()
	if len(h.controller.starts) != 1 || h.controller.starts[0] != nil {
		t.Fatalf("source restart not recorded: %+v", h.controller.starts)
	}
}

// corruptingTransferer completes the real transfer then flips a byte in
// the destination, simulating corruption in flight.
type corruptingTransferer struct {
	real     *transfer.Orchestrator
	destBase string
}

func (c corruptingTransferer) Transfer(ctx context.Context, plan transfer.Plan) (*transfer.Result, error) {
	res, err := c.real.Transfer(ctx, plan)
	if err != nil {
		return res, err
	}
	for _, v := range plan.Volumes {
		if err := os.WriteFile(filepath.Join(v.DestPath, "a"), []byte("corrupted!"), 0o644); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c corruptingTransferer) Resume(ctx context.Context, plan transfer.Plan) (*transfer.Result, error) {
	return c.real.Resume(ctx, plan)
}

func (c corruptingTransferer) Checkpoint(jobID string) (*transfer.Checkpoint, error) {
	return c.real.Checkpoint(jobID)
}

func (c corruptingTransferer) Discard(jobID string) error {
	return c.real.Discard(jobID)
}

func errorsContains(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func TestResumeRejectsJobsWithoutCheckpoint(t *testing.T) {
	h := newHarness(t)
	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, h.m, job.ID)

	if _, err := h.m.Resume(job.ID); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("Resume completed job = %v, want ErrNotResumable", err)
	}
	if _, err := h.m.Resume("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Resume unknown job = %v, want ErrJobNotFound", err)
	}
}

func TestJobRecordSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	job, err := h.m.Start(h.request())
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, h.m, job.ID)

	// A fresh store (new process) can reconstruct the record.
	store := NewFileStore(h.stateDir)
	loaded, err := store.LoadJob(job.ID)
	if err != nil {
		t.Fatalf("LoadJob after restart: %v", err)
	}
	if loaded.Status != StatusCompleted || loaded.Unit == nil || len(loaded.Steps) == 0 {
		t.Fatalf("incomplete persisted record: %+v", loaded)
	}
	jobs, err := store.ListJobs()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListJobs = %v, %v", jobs, err)
	}
}
