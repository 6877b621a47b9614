// Package queue buffers admitted job ids and drives a fixed worker pool
// that executes them through the sandbox and policy layers, persisting
// outcomes through the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/catalog"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/metrics"
	"github.com/cuemby/fednode/pkg/policy"
	"github.com/cuemby/fednode/pkg/sandbox"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
	"github.com/cuemby/fednode/pkg/uploads"
	"github.com/cuemby/fednode/pkg/workspace"
	"github.com/rs/zerolog"
)

// Queue is a bounded FIFO of job ids awaiting a worker.
type Queue struct {
	ch chan string
}

// NewQueue creates a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Overloaded reports whether Push would be rejected right now.
func (q *Queue) Overloaded() bool {
	return len(q.ch) >= cap(q.ch)
}

// Depth returns the number of job ids currently buffered.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Push enqueues a job id, returning ErrOverloaded instead of blocking if
// the queue is at capacity.
func (q *Queue) Push(jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return apperrors.ErrOverloaded
	}
}

// Pool runs a fixed number of worker goroutines draining a Queue.
type Pool struct {
	queue       *Queue
	store       store.Store
	resolver    *catalog.Resolver
	builder     *workspace.Builder
	runner      sandbox.Runner
	policy      *policy.Engine
	uploads     *uploads.Manager
	workerCount int
	maxExecTime time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool wires a worker pool over its collaborators. workerCount workers
// are started by Start. uploadsMgr may be nil, in which case jobs with
// uploaded_file_ids run with no uploads staged into their workspace.
func NewPool(q *Queue, st store.Store, resolver *catalog.Resolver, builder *workspace.Builder, runner sandbox.Runner, eng *policy.Engine, uploadsMgr *uploads.Manager, workerCount int, maxExecTime time.Duration) *Pool {
	return &Pool{
		queue:       q,
		store:       st,
		resolver:    resolver,
		builder:     builder,
		runner:      runner,
		policy:      eng,
		uploads:     uploadsMgr,
		workerCount: workerCount,
		maxExecTime: maxExecTime,
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("queue"),
	}
}

// Start launches the configured number of worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Stop signals all workers to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Cancel asks the runner to stop a job that is currently executing. It is
// a no-op (returns apperrors.ErrNotFound) if the job is not running.
func (p *Pool) Cancel(jobID string) error {
	return p.runner.Stop(jobID)
}

// CancelJob is the full cancellation entry point: a queued job is
// transitioned to cancelled directly since no worker has touched it yet;
// a running job is stopped via the runner (best-effort,
// bounded by the runner's own grace period) and then marked cancelled;
// a job already in a terminal state is left unchanged, and the committed
// job is returned together with an error wrapping apperrors.ErrConflict
// that explains why nothing was cancelled.
func (p *Pool) CancelJob(jobID string) (*types.Job, error) {
	job, err := p.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.JobStatusQueued:
		if err := p.store.SetCancelled(jobID, time.Now()); err != nil {
			return nil, err
		}
	case types.JobStatusRunning:
		if err := p.runner.Stop(jobID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			logger := log.WithJobID(jobID)
			logger.Warn().Err(err).Msg("runner stop failed during cancel")
		}
		if err := p.store.SetCancelled(jobID, time.Now()); err != nil {
			// The worker may have already persisted a terminal
			// outcome between the Stop call and here; that's not
			// an error, just a lost race.
			if errors.Is(err, apperrors.ErrConflict) {
				return p.store.GetJob(jobID)
			}
			return nil, err
		}
	default:
		return job, apperrors.Wrap(apperrors.ErrConflict, errors.New("job "+jobID+" is already "+string(job.Status)+", cancel is a no-op"))
	}

	return p.store.GetJob(jobID)
}

func (p *Pool) workerLoop(index int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case jobID := <-p.queue.ch:
			p.executeJob(index, jobID)
		}
	}
}

// executeJob runs the full per-job pipeline: load, mark running, execute
// in the sandbox, gate the result through policy, persist the outcome.
func (p *Pool) executeJob(workerIndex int, jobID string) {
	jobLogger := log.WithJobID(jobID).With().Str("component", "queue").Int("worker", workerIndex).Logger()

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	job, err := p.store.GetJob(jobID)
	if err != nil {
		jobLogger.Error().Err(err).Msg("job disappeared before execution")
		return
	}

	if job.Status.Terminal() {
		jobLogger.Warn().Str("status", string(job.Status)).Msg("skipping already-terminal job (likely cancelled)")
		return
	}

	cat, err := p.resolver.Resolve(job.CatalogID)
	if err != nil {
		p.failJob(jobLogger, jobID, "catalog no longer resolvable: "+err.Error(), 0)
		return
	}

	if err := p.store.SetRunning(jobID, time.Now()); err != nil {
		jobLogger.Warn().Err(err).Msg("could not transition job to running")
		return
	}

	validationTimer := metrics.NewTimer()
	validation := p.policy.ValidateScript(job.ScriptContent, job.ScriptKind)
	validationTimer.ObserveDuration(metrics.ScriptValidationDuration)
	if !validation.IsSafe {
		p.failJob(jobLogger, jobID, fmt.Sprintf("script rejected by static policy check (risk %s): blocked patterns %v", validation.RiskLevel, validation.BlockedPattern), 0)
		return
	}

	staged, err := p.stageUploads(job.UploadedFileIDs)
	if err != nil {
		p.failJob(jobLogger, jobID, "upload staging failed: "+err.Error(), 0)
		return
	}

	ws, err := p.builder.Build(job, cat, staged)
	if err != nil {
		p.failJob(jobLogger, jobID, "workspace staging failed: "+err.Error(), 0)
		return
	}
	defer p.builder.Cleanup(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), p.maxExecTime)
	defer cancel()

	outcome, err := p.runner.Run(ctx, jobID, ws)
	if err != nil {
		if apperrorsIsCancelled(err) {
			p.cancelJob(jobLogger, jobID)
			return
		}
		p.failJob(jobLogger, jobID, "sandbox execution failed: "+err.Error(), 0)
		return
	}
	metrics.JobExecutionDuration.WithLabelValues(string(job.ScriptKind)).Observe(outcome.ExecutionTimeS)

	if !outcome.Success {
		p.failJob(jobLogger, jobID, outcome.Error, outcome.ExecutionTimeS)
		return
	}

	cohortSize := cohortSizeFromOutcome(outcome, cat)
	gateTimer := metrics.NewTimer()
	decision := p.policy.ReleaseForCatalog(outcome.Data, cohortSize, cat.MinCohortSize)
	gateTimer.ObserveDuration(metrics.ReleaseGateDuration)

	finishedAt := time.Now()
	if decision.Blocked {
		metrics.JobsReleaseBlockedTotal.Inc()
		if err := p.store.SetResult(jobID, types.JobStatusBlocked, nil, outcome.RecordsProcessed, decision.Reason, finishedAt, outcome.ExecutionTimeS, outcome.MemoryUsedMB); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			jobLogger.Error().Err(err).Msg("failed to record blocked result")
		}
		p.auditReleaseBlocked(job, decision.Reason)
		return
	}

	if err := p.store.SetResult(jobID, types.JobStatusCompleted, decision.Data, outcome.RecordsProcessed, "", finishedAt, outcome.ExecutionTimeS, outcome.MemoryUsedMB); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		jobLogger.Error().Err(err).Msg("failed to record completed result")
	}
}

// stageUploads resolves each uploaded file id to its row and decrypts its
// bytes (if the node encrypts uploads at rest) so the workspace builder
// only ever handles plaintext. A missing upload id is skipped with a
// warning rather than failing the whole job, since it could only happen
// if the row was pruned out from under a still-queued job.
func (p *Pool) stageUploads(ids []string) ([]workspace.StagedUpload, error) {
	if len(ids) == 0 || p.uploads == nil {
		return nil, nil
	}
	staged := make([]workspace.StagedUpload, 0, len(ids))
	for _, id := range ids {
		file, err := p.store.GetUpload(id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				p.logger.Warn().Str("upload_id", id).Msg("referenced upload no longer exists, skipping")
				continue
			}
			return nil, err
		}
		data, err := p.uploads.Read(file)
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", id, err)
		}
		staged = append(staged, workspace.StagedUpload{ID: file.ID, OriginalName: file.OriginalName, Data: data})
	}
	return staged, nil
}

// failJob records a terminal failure. A status conflict means some other
// path (usually a user cancel racing the worker) already committed a
// terminal state, which is not an error worth more than a debug line.
func (p *Pool) failJob(logger zerolog.Logger, jobID, reason string, executionTimeS float64) {
	if err := p.store.SetFailed(jobID, reason, time.Now(), executionTimeS); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Debug().Err(err).Msg("job already terminal, keeping committed state")
			return
		}
		logger.Error().Err(err).Msg("failed to record job failure")
	}
}

func (p *Pool) cancelJob(logger zerolog.Logger, jobID string) {
	if err := p.store.SetCancelled(jobID, time.Now()); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Debug().Err(err).Msg("job already terminal, keeping committed state")
			return
		}
		logger.Error().Err(err).Msg("failed to record job cancellation")
	}
}

// auditReleaseBlocked records the release-gate refusal in the audit trail
// alongside the job row, so a blocked result is traceable even after the
// job's own record is pruned from an operator's view.
func (p *Pool) auditReleaseBlocked(job *types.Job, reason string) {
	entry := &types.AuditEntry{
		Timestamp: time.Now(),
		Action:    "release_blocked",
		JobID:     job.ID,
		CatalogID: job.CatalogID,
		Actor:     job.RequesterInfo,
		Detail:    reason,
	}
	if err := p.store.InsertAudit(entry); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to write release_blocked audit entry")
	}
}

func cohortSizeFromOutcome(outcome *sandbox.Outcome, cat *types.CatalogDescriptor) int {
	if outcome.RecordsProcessed != nil {
		return int(*outcome.RecordsProcessed)
	}
	if cat != nil {
		return int(cat.RecordCount)
	}
	return 0
}

func apperrorsIsCancelled(err error) bool {
	return err != nil && errors.Is(err, apperrors.ErrCancelled)
}
