// Package node wires together the admission controller, queue, sandbox
// runner, policy engine, store, and reconciler into a single running
// fednode process, and owns their startup and shutdown order.
package node

import (
	"fmt"
	"time"

	"github.com/cuemby/fednode/pkg/admission"
	"github.com/cuemby/fednode/pkg/analysisrequest"
	"github.com/cuemby/fednode/pkg/catalog"
	"github.com/cuemby/fednode/pkg/config"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/metrics"
	"github.com/cuemby/fednode/pkg/policy"
	"github.com/cuemby/fednode/pkg/queue"
	"github.com/cuemby/fednode/pkg/reconciler"
	"github.com/cuemby/fednode/pkg/sandbox"
	"github.com/cuemby/fednode/pkg/security"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
	"github.com/cuemby/fednode/pkg/uploads"
	"github.com/cuemby/fednode/pkg/workspace"
)

// Node owns every long-lived component of a single fednode process.
type Node struct {
	cfg *config.Config

	Store      store.Store
	Resolver   *catalog.Resolver
	Policy     *policy.Engine
	Queue      *queue.Queue
	Pool       *queue.Pool
	Runner     sandbox.Runner
	Admission  *admission.Controller
	Requests   *analysisrequest.Manager
	Uploads    *uploads.Manager
	Reconciler *reconciler.Reconciler
	Metrics    *metrics.Collector

	startedAt time.Time
}

// Config exposes the node's static configuration to collaborator
// commands (the CLI's node status, health projections) without letting
// them reach into the store or queue directly.
func (n *Node) Config() *config.Config { return n.cfg }

// Uptime reports how long this process has been running since Start.
func (n *Node) Uptime() time.Duration {
	if n.startedAt.IsZero() {
		return 0
	}
	return time.Since(n.startedAt)
}

// New constructs a Node from cfg but does not start any background
// goroutines; call Start for that.
func New(cfg *config.Config) (*Node, error) {
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	resolver := catalog.NewResolver(cfg.DataRoot, cfg.DataRoot)
	if err := resolver.Load(cfg.ManifestPath); err != nil {
		st.Close()
		return nil, fmt.Errorf("load catalog manifest: %w", err)
	}

	eng := policy.NewEngine(
		cfg.Policy.MinCohortSize,
		cfg.Policy.ResultPrecision,
		cfg.Policy.MaxScriptBytes,
		cfg.Policy.MaxScriptLines,
		cfg.Policy.EnableNoise,
		cfg.Policy.NoiseEpsilon,
	)

	q := queue.NewQueue(cfg.Queue.Capacity)
	builder := workspace.NewBuilder(cfg.WorkDir, cfg.DataRoot, cfg.Policy.MinCohortSize)

	runner, err := newRunner(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("construct sandbox runner: %w", err)
	}

	var secrets *security.SecretsManager
	if cfg.Security.EncryptUploads {
		if cfg.Security.EncryptionKey != "" {
			secrets, err = security.NewSecretsManagerFromPassword(cfg.Security.EncryptionKey)
		} else {
			secrets, err = security.NewSecretsManager(security.DeriveKeyFromNodeID(cfg.NodeID))
		}
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("construct secrets manager: %w", err)
		}
	}
	upMgr := uploads.NewManager(cfg.Security.UploadDir, secrets)

	pool := queue.NewPool(q, st, resolver, builder, runner, eng, upMgr, cfg.Queue.WorkerCount, cfg.Execution.GetMaxExecutionTime())

	admissionCtl := admission.NewController(cfg.NodeID, resolver, st, q, eng, cfg.Execution.AllowedScriptKinds)
	requests := analysisrequest.NewManager(st, admissionCtl, cfg.Reconcile.GetRequestTTL())

	stuckGrace := cfg.Execution.GetMaxExecutionTime() + cfg.Execution.GetCancelGracePeriod()
	rec := reconciler.NewReconciler(st, builder, cfg.Reconcile.GetInterval(), cfg.Reconcile.GetJobRetention(), stuckGrace)

	collector := metrics.NewCollector(st, q)

	return &Node{
		cfg:        cfg,
		Store:      st,
		Resolver:   resolver,
		Policy:     eng,
		Queue:      q,
		Pool:       pool,
		Runner:     runner,
		Admission:  admissionCtl,
		Requests:   requests,
		Uploads:    upMgr,
		Reconciler: rec,
		Metrics:    collector,
	}, nil
}

func newRunner(cfg *config.Config) (sandbox.Runner, error) {
	switch cfg.Execution.Backend {
	case "subprocess":
		return sandbox.NewSubprocessRunner(), nil
	default:
		return sandbox.NewContainerRunner(
			cfg.Execution.ContainerdSocket,
			cfg.Execution.ImageForKind,
			cfg.Execution.MaxMemoryMB,
			cfg.Execution.MaxCPUCores,
			cfg.Execution.GetCancelGracePeriod(),
		)
	}
}

// Start recovers jobs left running by a previous process, then starts the
// worker pool and reconciler. A job found running at startup could not
// have survived the process that was running it, so it is marked failed
// rather than silently resumed.
func (n *Node) Start() error {
	logger := log.WithComponent("node").With().Str("node_id", n.cfg.NodeID).Logger()

	stuck, err := n.Store.ListJobs(store.JobFilter{Status: types.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("scan for stale running jobs: %w", err)
	}
	for _, job := range stuck {
		if err := n.Store.SetFailed(job.ID, "recovered after node restart", time.Now(), 0); err != nil {
			logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to mark stale job as recovered")
			continue
		}
		logger.Warn().Str("job_id", job.ID).Msg("marked job failed: running at startup, presumed orphaned")
	}

	queued, err := n.Store.ListJobs(store.JobFilter{Status: types.JobStatusQueued})
	if err != nil {
		return fmt.Errorf("scan for queued jobs: %w", err)
	}
	// ListJobs is newest-first; re-enqueue oldest first to preserve
	// admission order across the restart.
	for i := len(queued) - 1; i >= 0; i-- {
		if err := n.Queue.Push(queued[i].ID); err != nil {
			logger.Warn().Str("job_id", queued[i].ID).Err(err).Msg("queue full, remaining queued jobs are not re-enqueued")
			break
		}
	}

	n.Pool.Start()
	n.Reconciler.Start()
	n.Metrics.Start()
	n.startedAt = time.Now()

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("sandbox", true, "")

	logger.Info().Int("recovered_jobs", len(stuck)).Int("requeued_jobs", len(queued)).Msg("node started")
	return nil
}

// GetJob returns the externally visible view of a job. A completed job
// whose recorded cohort no longer satisfies the effective minimum is
// projected as blocked with a redacted reason, so raising a threshold
// after the fact also redacts results materialized before the change.
func (n *Node) GetJob(id string) (*types.Job, error) {
	job, err := n.Store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobStatusCompleted || job.RecordsProcessed == nil {
		return job, nil
	}

	var override *int
	if cat, err := n.Resolver.Resolve(job.CatalogID); err == nil {
		override = cat.MinCohortSize
	}
	min := n.Policy.EffectiveMinCohort(override)
	if int(*job.RecordsProcessed) >= min {
		return job, nil
	}

	view := *job
	view.Status = types.JobStatusBlocked
	view.Result = nil
	view.BlockReason = fmt.Sprintf("cohort size (%d) below minimum (%d)", *job.RecordsProcessed, min)
	return &view, nil
}

// Stop shuts down the reconciler and worker pool, then closes the store.
func (n *Node) Stop() error {
	n.Metrics.Stop()
	n.Reconciler.Stop()
	n.Pool.Stop()
	if closer, ok := n.Runner.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return n.Store.Close()
}
