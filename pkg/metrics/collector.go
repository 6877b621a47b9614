package metrics

import (
	"time"

	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

// depthReporter is the narrow slice of queue.Queue the collector needs.
type depthReporter interface {
	Depth() int
}

// Collector polls the store and queue on a fixed interval and updates the
// gauge metrics that can't be set inline at the point of the event (job
// counts by status, current queue depth).
type Collector struct {
	store  store.Store
	queue  depthReporter
	stopCh chan struct{}
}

// NewCollector creates a Collector over its collaborators.
func NewCollector(st store.Store, q depthReporter) *Collector {
	return &Collector{
		store:  st,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	QueueDepth.Set(float64(c.queue.Depth()))
}

var allJobStatuses = []types.JobStatus{
	types.JobStatusQueued,
	types.JobStatusRunning,
	types.JobStatusCompleted,
	types.JobStatusFailed,
	types.JobStatusCancelled,
	types.JobStatusBlocked,
}

func (c *Collector) collectJobMetrics() {
	for _, status := range allJobStatuses {
		jobs, err := c.store.ListJobs(store.JobFilter{Status: status})
		if err != nil {
			continue
		}
		JobsByStatus.WithLabelValues(string(status)).Set(float64(len(jobs)))
	}
}
