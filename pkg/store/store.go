// Package store persists jobs, audit entries, uploaded files, and analysis
// requests in a single embedded database, bucket-per-entity, following the
// same JSON-per-row BoltDB pattern used elsewhere in this codebase.
package store

import (
	"time"

	"github.com/cuemby/fednode/pkg/types"
)

// JobFilter narrows List queries.
type JobFilter struct {
	Status types.JobStatus // zero value matches any status
	Limit  int             // 0 means no limit
}

// Store is the persistence boundary the queue, admission, and reconciler
// packages depend on. It never leaks the underlying database handle.
type Store interface {
	InsertJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs(filter JobFilter) ([]*types.Job, error)

	// SetRunning performs insert.status==queued -> running, compare-and-set.
	SetRunning(id string, startedAt time.Time) error
	// SetResult performs running -> {completed, blocked}.
	SetResult(id string, status types.JobStatus, result map[string]any, recordsProcessed *int64, blockReason string, finishedAt time.Time, executionTimeS, memoryUsedMB float64) error
	// SetFailed performs running|queued -> failed. executionTimeS may be
	// zero when the job never reached the sandbox.
	SetFailed(id string, errMsg string, finishedAt time.Time, executionTimeS float64) error
	// SetCancelled performs queued|running -> cancelled.
	SetCancelled(id string, finishedAt time.Time) error

	InsertAudit(entry *types.AuditEntry) error
	ListAudit(jobID string) ([]*types.AuditEntry, error)

	InsertUpload(file *types.UploadedFile) error
	GetUpload(id string) (*types.UploadedFile, error)

	InsertAnalysisRequest(req *types.AnalysisRequest) error
	GetAnalysisRequest(id string) (*types.AnalysisRequest, error)
	UpdateAnalysisRequest(req *types.AnalysisRequest) error
	ListAnalysisRequests(status types.AnalysisRequestStatus) ([]*types.AnalysisRequest, error)

	Close() error
}
