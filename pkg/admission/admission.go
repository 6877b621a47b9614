// Package admission validates incoming job submissions, persists them,
// and hands accepted jobs to the queue, writing an audit trail entry for
// every decision whether accepted or rejected.
package admission

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/catalog"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/metrics"
	"github.com/cuemby/fednode/pkg/policy"
	"github.com/cuemby/fednode/pkg/queue"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

// Submission is the inbound request shape; transport concerns belong to
// the HTTP surface, not this package. TargetNodeID is checked by Submit
// against this node's own id.
type Submission struct {
	TargetNodeID      string // empty means this node
	CatalogKey        string // id or name
	ScriptKind        types.ScriptKind
	ScriptContent     string
	Parameters        map[string]any
	Filters           map[string]any
	UploadedFileIDs   []string
	RequesterNodeID   string
	RequesterInfo     map[string]string
	AnalysisRequestID string
}

// Controller validates and admits job submissions.
type Controller struct {
	nodeID       string
	resolver     *catalog.Resolver
	store        store.Store
	queue        *queue.Queue
	policy       *policy.Engine
	allowedKinds map[types.ScriptKind]bool
}

// NewController builds a Controller over its collaborators. nodeID is the
// identity submissions may name as their target; anything else is
// rejected, since this node cannot execute on a peer's behalf.
func NewController(nodeID string, resolver *catalog.Resolver, st store.Store, q *queue.Queue, eng *policy.Engine, allowedKinds []string) *Controller {
	allowed := make(map[types.ScriptKind]bool, len(allowedKinds))
	for _, k := range allowedKinds {
		allowed[types.ScriptKind(k)] = true
	}
	return &Controller{nodeID: nodeID, resolver: resolver, store: st, queue: q, policy: eng, allowedKinds: allowed}
}

// Submit validates a Submission and, if accepted, inserts a queued job
// row, pushes its id to the queue, and writes an audit entry. Admission
// checks only the target node, kind/catalog allow-listing and queue
// capacity; static
// script-safety screening happens in the worker loop, so an unsafe
// script is still admitted as a queued job and reaches a terminal
// failed status once a worker picks it up, rather than being bounced
// synchronously here.
func (c *Controller) Submit(sub Submission) (*types.Job, error) {
	logger := log.WithComponent("admission")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AdmissionDuration)

	if sub.TargetNodeID != "" && sub.TargetNodeID != c.nodeID {
		metrics.JobsRejectedTotal.WithLabelValues("target_node").Inc()
		c.auditRejected(sub, fmt.Sprintf("unknown target node %q", sub.TargetNodeID))
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Errorf("unknown target node %q", sub.TargetNodeID))
	}

	if !c.allowedKinds[sub.ScriptKind] {
		metrics.JobsRejectedTotal.WithLabelValues("script_kind").Inc()
		c.auditRejected(sub, fmt.Sprintf("script kind %q is not allowed", sub.ScriptKind))
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Errorf("script kind %q is not allowed", sub.ScriptKind))
	}

	cat, err := c.resolver.Resolve(sub.CatalogKey)
	if err != nil {
		metrics.JobsRejectedTotal.WithLabelValues("catalog").Inc()
		c.auditRejected(sub, fmt.Sprintf("unknown catalog %q", sub.CatalogKey))
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Errorf("unknown catalog %q: %w", sub.CatalogKey, err))
	}

	if c.queue.Overloaded() {
		metrics.JobsRejectedTotal.WithLabelValues("overloaded").Inc()
		c.auditRejected(sub, "queue overloaded")
		return nil, apperrors.ErrOverloaded
	}

	job := &types.Job{
		ID:                uuid.NewString(),
		CatalogID:         cat.ID,
		ScriptKind:        sub.ScriptKind,
		ScriptContent:     sub.ScriptContent,
		ScriptHash:        policy.HashScript(sub.ScriptContent),
		Parameters:        sub.Parameters,
		Filters:           sub.Filters,
		UploadedFileIDs:   sub.UploadedFileIDs,
		RequesterNodeID:   sub.RequesterNodeID,
		ExecutorNodeID:    c.nodeID,
		Status:            types.JobStatusQueued,
		SubmittedAt:       time.Now(),
		AnalysisRequestID: sub.AnalysisRequestID,
		RequesterInfo:     sub.RequesterInfo,
	}

	if err := c.store.InsertJob(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := c.queue.Push(job.ID); err != nil {
		// The job row exists but no worker picks it up until a node
		// restart re-enqueues queued rows; surface the overload to the
		// caller rather than leaving it silently stuck. A retry can
		// resubmit.
		metrics.JobsRejectedTotal.WithLabelValues("overloaded").Inc()
		logger.Warn().Str("job_id", job.ID).Msg("queue rejected job immediately after insert")
		c.auditRejected(sub, "queue overloaded")
		return nil, err
	}

	metrics.JobsSubmittedTotal.Inc()
	c.audit("job_submitted", cat.ID, job.ID, "script hash "+job.ScriptHash, sub.RequesterInfo)
	return job, nil
}

func (c *Controller) auditRejected(sub Submission, reason string) {
	c.audit("submission_rejected", sub.CatalogKey, "", reason, sub.RequesterInfo)
}

func (c *Controller) audit(action, catalogID, jobID, detail string, actor map[string]string) {
	entry := &types.AuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		JobID:     jobID,
		CatalogID: catalogID,
		Actor:     actor,
		Detail:    detail,
	}
	if err := c.store.InsertAudit(entry); err != nil {
		logger := log.WithComponent("admission")
		logger.Warn().Err(err).Msg("failed to write audit entry")
	}
}
