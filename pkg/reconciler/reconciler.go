package reconciler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/metrics"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

// workspaceCleaner is the narrow slice of workspace.Builder the reconciler
// needs; defined here so tests can supply a fake without importing the
// sandbox/catalog dependency chain workspace.Builder carries.
type workspaceCleaner interface {
	Cleanup(jobID string) error
}

// Reconciler prunes on-disk workspaces for terminal jobs past their
// retention window and flags jobs stuck in "running" longer than the
// execution timeout should ever allow.
type Reconciler struct {
	store      store.Store
	workspaces workspaceCleaner
	interval   time.Duration
	retention  time.Duration
	stuckAfter time.Duration
	logger     zerolog.Logger
	stopCh     chan struct{}
}

// NewReconciler creates a Reconciler. retention bounds how long terminal
// job workspaces are kept on disk; stuckAfter is the wall-clock budget
// (normally max_execution_time plus a grace margin) beyond which a
// still-running job is logged as suspect.
func NewReconciler(st store.Store, workspaces workspaceCleaner, interval, retention, stuckAfter time.Duration) *Reconciler {
	return &Reconciler{
		store:      st,
		workspaces: workspaces,
		interval:   interval,
		retention:  retention,
		stuckAfter: stuckAfter,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if err := r.pruneTerminalWorkspaces(); err != nil {
		r.logger.Error().Err(err).Msg("failed to prune terminal workspaces")
	}
	if err := r.warnStuckJobs(); err != nil {
		r.logger.Error().Err(err).Msg("failed to check for stuck jobs")
	}
	if err := r.expireStaleRequests(); err != nil {
		r.logger.Error().Err(err).Msg("failed to expire stale analysis requests")
	}
	return nil
}

// expireStaleRequests flips any pending AnalysisRequest whose ExpiresAt
// has passed to expired, so an approval workflow that never acts on a
// request doesn't leave it pending forever.
func (r *Reconciler) expireStaleRequests() error {
	pending, err := r.store.ListAnalysisRequests(types.AnalysisRequestPending)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, req := range pending {
		if req.ExpiresAt == nil || now.Before(*req.ExpiresAt) {
			continue
		}
		req.Status = types.AnalysisRequestExpired
		req.DecidedAt = &now
		if err := r.store.UpdateAnalysisRequest(req); err != nil {
			r.logger.Warn().Str("request_id", req.ID).Err(err).Msg("failed to expire stale analysis request")
			continue
		}
		r.logger.Info().Str("request_id", req.ID).Msg("analysis request expired without a decision")
	}
	return nil
}

// pruneTerminalWorkspaces removes the on-disk workspace of any terminal
// job whose finish time is older than the retention window. The Job row
// itself is never deleted, only its scratch directory.
func (r *Reconciler) pruneTerminalWorkspaces() error {
	jobs, err := r.store.ListJobs(store.JobFilter{})
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range jobs {
		if !job.Status.Terminal() || job.FinishedAt == nil {
			continue
		}
		if now.Sub(*job.FinishedAt) < r.retention {
			continue
		}
		if err := r.workspaces.Cleanup(job.ID); err != nil {
			r.logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to prune workspace")
			continue
		}
		metrics.WorkspacesPrunedTotal.Inc()
		r.logger.Debug().Str("job_id", job.ID).Msg("pruned workspace past retention window")
	}
	return nil
}

// warnStuckJobs logs a warning for any job that has been running longer
// than stuckAfter. This double-checks the runner's own context timeout
// (pkg/queue.Pool.executeJob) rather than taking any corrective action
// itself (a single node has no replacement worker to hand the job to).
func (r *Reconciler) warnStuckJobs() error {
	running, err := r.store.ListJobs(store.JobFilter{Status: types.JobStatusRunning})
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range running {
		if job.StartedAt == nil {
			continue
		}
		if now.Sub(*job.StartedAt) <= r.stuckAfter {
			continue
		}
		r.logger.Warn().
			Str("job_id", job.ID).
			Dur("running_for", now.Sub(*job.StartedAt)).
			Msg("job has exceeded max execution time but is still running")
	}
	return nil
}
