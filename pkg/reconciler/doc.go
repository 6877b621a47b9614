/*
Package reconciler provides background housekeeping for a fednode process:
pruning on-disk workspaces for jobs that finished long ago, and flagging
jobs that have been running suspiciously long.

# Architecture

The reconciler runs on a fixed interval (default 30s, configurable via
reconcile.interval), independent of the job queue's own worker loop:

	┌──────────────────────────────────────────┐
	│           Reconciliation Loop             │
	│          (every reconcile.interval)       │
	└─────────────────┬──────────────────────────┘
	                  │
	     ┌────────────┴────────────┐
	     ▼                         ▼
	┌───────────────────┐  ┌──────────────────────┐
	│ Prune workspaces   │  │ Warn on stuck jobs   │
	└────────────────────┘  └───────────────────────┘

# Workspace pruning

A job's on-disk workspace (script, job_config.json, output.json, the data
shim) survives past job completion so an operator can inspect a failure.
Once a job is terminal (completed, failed, cancelled, or blocked) and its
FinishedAt is older than reconcile.job_retention (default 24h), the
reconciler deletes the workspace directory. The Job row itself, and its
Result, are never deleted, only the scratch directory the sandbox wrote
into.

# Stuck-job detection

pkg/queue.Pool.executeJob bounds every sandbox run with a
context.WithTimeout derived from execution.max_execution_time. The
reconciler double-checks this independently: any job still in "running"
longer than max_execution_time plus the cancel grace period is logged as
a warning. This is observability only: a single-node deployment has no
second worker to hand a stuck job to, so the reconciler never mutates a
running job's state itself.

# Usage

	rec := reconciler.NewReconciler(store, workspaceBuilder, 30*time.Second, 24*time.Hour, 130*time.Second)
	rec.Start()
	defer rec.Stop()

Like the job queue's worker pool, the reconciler is stateless between
cycles: every tick re-reads the store and reasons only from what it finds
there.
*/
package reconciler
