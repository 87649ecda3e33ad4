package migration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/checksum"
	"github.com/jmagar/transdock/internal/discovery"
	"github.com/jmagar/transdock/internal/probe"
	"github.com/jmagar/transdock/internal/remote"
	"github.com/jmagar/transdock/internal/snapshot"
	"github.com/jmagar/transdock/internal/transfer"
	"github.com/jmagar/transdock/pkg/validate"
)

// Resolver turns an identifier into a migration unit. Satisfied by
// discovery.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (*discovery.MigrationUnit, error)
}

// CapabilityProber is the slice of the prober the pipeline uses. Satisfied
// by probe.Prober.
type CapabilityProber interface {
	Probe(ctx context.Context, exec remote.Executor) (*probe.HostCapabilities, error)
	ProbePaths(ctx context.Context, exec remote.Executor, caps *probe.HostCapabilities, paths []string)
}

// Transferer is the slice of the transfer orchestrator the pipeline uses.
type Transferer interface {
	Transfer(ctx context.Context, plan transfer.Plan) (*transfer.Result, error)
	Resume(ctx context.Context, plan transfer.Plan) (*transfer.Result, error)
	Checkpoint(jobID string) (*transfer.Checkpoint, error)
	Discard(jobID string) error
}

// Deps wires the manager to its collaborators. NewExecutor and
// NewTransferer default to the real SSH/local implementations and exist as
// fields so tests can substitute them.
type Deps struct {
	Logger      zerolog.Logger
	Store       JobStore
	History     *History // optional
	Resolver    Resolver
	Prober      CapabilityProber
	Snapshots   *snapshot.Manager
	Manifests   *checksum.Store
	Controller  WorkloadController
	Credentials remote.CredentialResolver

	NewExecutor   func(host string) (remote.Executor, error)
	NewTransferer func(dst remote.Executor) Transferer

	// MaxTransferring bounds simultaneously transferring jobs system-wide.
	MaxTransferring int

	// OnFinish, when set, is called with the terminal status of every job.
	OnFinish func(status Status)
}

// Manager owns every job record. Step components report results back to
// the orchestrating goroutine; nothing else mutates a job.
type Manager struct {
	deps     Deps
	logger   zerolog.Logger
	verifier *Verifier

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	active  map[string]string // pair key -> job id

	transferSem chan struct{}
}

func NewManager(deps Deps) *Manager {
	if deps.MaxTransferring < 1 {
		deps.MaxTransferring = 1
	}
	m := &Manager{
		deps:        deps,
		logger:      deps.Logger.With().Str("component", "migration").Logger(),
		verifier:    NewVerifier(deps.Manifests),
		jobs:        map[string]*Job{},
		cancels:     map[string]context.CancelFunc{},
		active:      map[string]string{},
		transferSem: make(chan struct{}, deps.MaxTransferring),
	}
	if m.deps.NewExecutor == nil {
		m.deps.NewExecutor = func(host string) (remote.Executor, error) {
			if host == "" {
				return remote.Local{}, nil
			}
			return remote.NewSSH(host, deps.Credentials)
		}
	}
	return m
}

// Start validates the request, registers the job and launches its
// pipeline. The (source unit, destination) pair is exclusive: a second
// request while one is active is rejected, never queued.
func (m *Manager) Start(req Request) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if owner, busy := m.active[req.pairKey()]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (job %s)", ErrDuplicateJob, owner)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    StatusInitializing,
		Message:   "job accepted",
		Steps:     []Step{{Status: StatusInitializing, Message: "job accepted", At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	m.active[req.pairKey()] = job.ID
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	m.persist(job)
	go m.runPipeline(ctx, job, false)

	m.logger.Info().Str("job", job.ID).Str("unit", req.UnitID).
		Str("dest", req.DestHost+":"+req.DestBasePath).Msg("Migration started")
	return m.snapshotOf(job), nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.UnitID) == "" {
		return fmt.Errorf("%w: unit identifier is required", ErrValidation)
	}
	if req.DestBasePath == "" || !filepath.IsAbs(req.DestBasePath) {
		return fmt.Errorf("%w: destination base path must be absolute", ErrValidation)
	}
	if err := validate.HostRef(req.SourceHost); err != nil {
		return fmt.Errorf("%w: source host: %v", ErrValidation, err)
	}
	if err := validate.HostRef(req.DestHost); err != nil {
		return fmt.Errorf("%w: destination host: %v", ErrValidation, err)
	}
	return nil
}

// GetStatus returns a point-in-time copy of the job record.
func (m *Manager) GetStatus(id string) (*Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if ok {
		return m.snapshotOf(job), nil
	}
	return m.deps.Store.LoadJob(id)
}

// List returns every known job, persisted and live, oldest first.
func (m *Manager) List() ([]*Job, error) {
	stored, err := m.deps.Store.ListJobs()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(stored))
	for _, job := range stored {
		if live, ok := m.jobs[job.ID]; ok {
			job = live.clone()
		}
		out = append(out, job)
	}
	return out, nil
}

// Cancel requests cooperative cancellation. The pipeline observes it at
// the next step or unit boundary; the in-flight unit completes first.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrValidation, id, job.Status)
	}
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	m.logger.Info().Str("job", id).Msg("Cancellation requested")
	return nil
}

// Resume relaunches an interrupted job from its persisted checkpoint. The
// job must carry a snapshot record and a checkpoint; completed and
// rollback_failed jobs are not resumable.
func (m *Manager) Resume(id string) (*Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		loaded, err := m.deps.Store.LoadJob(id)
		if err != nil {
			return nil, err
		}
		job = loaded
	}

	switch job.Status {
	case StatusCompleted, StatusRollbackFailed:
		return nil, fmt.Errorf("%w: job is %s", ErrNotResumable, job.Status)
	case StatusFailed, StatusCancelled, StatusTransferring, StatusVerifying, StatusCutover, StatusCleaning:
		// interrupted after transfer began, or left mid-flight by a crash
	default:
		return nil, fmt.Errorf("%w: job is %s with no checkpoint", ErrNotResumable, job.Status)
	}
	if job.Unit == nil || job.SnapshotID == "" {
		return nil, fmt.Errorf("%w: job has no snapshot record", ErrNotResumable)
	}

	dst, err := m.deps.NewExecutor(job.Request.DestHost)
	if err != nil {
		return nil, err
	}
	cp, err := m.deps.NewTransferer(dst).Checkpoint(job.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: no transfer checkpoint", ErrNotResumable)
	}

	m.mu.Lock()
	if owner, busy := m.active[job.Request.pairKey()]; busy && owner != job.ID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (job %s)", ErrDuplicateJob, owner)
	}
	if live, ok := m.jobs[job.ID]; ok && !live.Status.Terminal() && m.cancels[job.ID] != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: job is still running", ErrValidation)
	}
	job.Error = ""
	m.jobs[job.ID] = job
	m.active[job.Request.pairKey()] = job.ID
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	msg := "resuming from checkpoint"
	if cp.Complete() {
		msg = "transfer already committed; resuming verification"
	}
	m.setStatus(job, StatusTransferring, msg)
	go m.runPipeline(ctx, job, true)

	m.logger.Info().Str("job", job.ID).Msg("Migration resumed")
	return m.snapshotOf(job), nil
}

// setStatus records a transition: timestamped step, monotonic progress,
// persisted record, history event.
func (m *Manager) setStatus(job *Job, st Status, message string) {
	m.mu.Lock()
	job.Status = st
	job.Message = message
	if p, ok := progressFor[st]; ok && p > job.Progress {
		job.Progress = p
	}
	job.UpdatedAt = time.Now().UTC()
	job.Steps = append(job.Steps, Step{Status: st, Message: message, At: job.UpdatedAt})
	m.mu.Unlock()

	m.persist(job)
	m.logger.Info().Str("job", job.ID).Str("status", string(st)).Int("progress", job.Progress).Msg(message)
}

func (m *Manager) persist(job *Job) {
	if err := m.deps.Store.SaveJob(m.snapshotOf(job)); err != nil {
		m.logger.Error().Err(err).Str("job", job.ID).Msg("Failed to persist job record")
	}
	if m.deps.History != nil {
		if err := m.deps.History.Append(job.ID, job.Status, job.Message); err != nil {
			m.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to append history event")
		}
	}
}

func (m *Manager) snapshotOf(job *Job) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return job.clone()
}

// mutate applies a record update under the lock so status readers always
// see a consistent job.
func (m *Manager) mutate(job *Job, fn func(*Job)) {
	m.mu.Lock()
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
}

// finish resolves a job to its terminal state and frees the pair.
func (m *Manager) finish(job *Job, st Status, message string, cause error) {
	m.mu.Lock()
	if cause != nil {
		job.Error = cause.Error()
	}
	delete(m.active, job.Request.pairKey())
	delete(m.cancels, job.ID)
	m.mu.Unlock()

	m.setStatus(job, st, message)
	if m.deps.OnFinish != nil {
		m.deps.OnFinish(st)
	}
}

// acquireTransferSlot blocks until a global transfer slot frees up or the
// job is cancelled.
func (m *Manager) acquireTransferSlot(ctx context.Context) error {
	select {
	case m.transferSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseTransferSlot() {
	<-m.transferSem
}

// classify maps an arbitrary pipeline error onto a short operator-facing
// category for the terminal message.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateJob):
		return "validation"
	case errors.Is(err, ErrCapabilityMismatch):
		return "capability mismatch"
	case errors.Is(err, ErrInsufficientSpace):
		return "insufficient space"
	case errors.Is(err, remote.ErrUnreachable):
		return "host unreachable"
	case errors.Is(err, remote.ErrPermission):
		return "permission denied"
	case errors.Is(err, snapshot.ErrSnapshotFailed):
		return "snapshot failure"
	case errors.Is(err, transfer.ErrDestinationFull):
		return "destination full"
	case errors.Is(err, transfer.ErrSourceRead):
		return "source read failure"
	case errors.Is(err, ErrIntegrity):
		return "integrity failure"
	default:
		return "transfer failure"
	}
}
