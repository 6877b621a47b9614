package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fednode_jobs_by_status",
			Help: "Number of jobs currently in each lifecycle status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fednode_jobs_submitted_total",
			Help: "Total number of jobs accepted by admission",
		},
	)

	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fednode_jobs_rejected_total",
			Help: "Total number of submissions rejected by admission, by reason",
		},
		[]string{"reason"},
	)

	JobsReleaseBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fednode_jobs_release_blocked_total",
			Help: "Total number of jobs whose result was blocked by the cohort-size release gate",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fednode_queue_depth",
			Help: "Number of jobs currently buffered in the queue",
		},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fednode_active_workers",
			Help: "Number of worker goroutines currently executing a job",
		},
	)

	// Duration histograms
	AdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fednode_admission_duration_seconds",
			Help:    "Time taken to validate and admit a job submission",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScriptValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fednode_script_validation_duration_seconds",
			Help:    "Time taken to run static script safety validation",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fednode_job_execution_duration_seconds",
			Help:    "Time taken for a job to run in the sandbox, by script kind",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"script_kind"},
	)

	ReleaseGateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fednode_release_gate_duration_seconds",
			Help:    "Time taken to apply the privacy release gate to a job result",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fednode_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fednode_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	WorkspacesPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fednode_workspaces_pruned_total",
			Help: "Total number of on-disk job workspaces pruned past their retention window",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRejectedTotal)
	prometheus.MustRegister(JobsReleaseBlockedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(AdmissionDuration)
	prometheus.MustRegister(ScriptValidationDuration)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(ReleaseGateDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(WorkspacesPrunedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
