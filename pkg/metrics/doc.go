/*
Package metrics provides Prometheus metrics collection and HTTP health
endpoints for a fednode process.

The metrics package defines and registers metrics using the Prometheus
client library, giving operators visibility into job throughput, queue
depth, and the cadence of the privacy release gate, without exposing any
of the underlying result data itself. Metrics are exposed via an HTTP
handler for scraping, independent of the job submission surface.

# Metric categories

  - Job lifecycle: fednode_jobs_by_status (gauge vec), fednode_jobs_submitted_total,
    fednode_jobs_rejected_total (by reason), fednode_jobs_release_blocked_total.
  - Queue: fednode_queue_depth, fednode_active_workers.
  - Duration histograms: fednode_admission_duration_seconds,
    fednode_script_validation_duration_seconds,
    fednode_job_execution_duration_seconds (by script_kind),
    fednode_release_gate_duration_seconds.
  - Reconciler: fednode_reconciliation_duration_seconds,
    fednode_reconciliation_cycles_total, fednode_workspaces_pruned_total.

# Collector

Collector polls the store and queue every 15 seconds to refresh the
gauges that summarize standing state (job counts by status, queue
depth) rather than point-in-time events, mirroring the periodic-poll
shape used elsewhere in this codebase for gauge metrics that can't be
updated inline at the point of the state change.

	c := metrics.NewCollector(store, queue)
	c.Start()
	defer c.Stop()

# Health endpoints

HealthChecker tracks named components (e.g. "store", "sandbox") as
healthy or unhealthy; GetReadiness additionally requires every critical
component to be registered and healthy before reporting "ready". This
backs /health, /ready, and /live HTTP handlers suitable for a container
orchestrator's own liveness/readiness probes of the fednode process
itself.

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("sandbox", true, "")
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
