package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs             = []byte("jobs")
	bucketAudit            = []byte("audit")
	bucketUploads          = []byte("uploaded_files")
	bucketAnalysisRequests = []byte("analysis_requests")
)

// BoltStore implements Store on an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) fednode.db under dataDir and
// ensures every bucket this package uses exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fednode.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketAudit, bucketUploads, bucketAnalysisRequests} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// InsertJob writes a new job row keyed by job ID.
func (s *BoltStore) InsertJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketJobs), job.ID, job)
	})
}

// GetJob looks up a job by ID.
func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketJobs), id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs matching filter, newest submitted first.
func (s *BoltStore) ListJobs(filter JobFilter) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if filter.Status != "" && job.Status != filter.Status {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt) })

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// SetRunning transitions a job from queued to running. It rejects any
// other current status as a status-DAG conflict.
func (s *BoltStore) SetRunning(id string, startedAt time.Time) error {
	return s.updateJob(id, func(job *types.Job) error {
		if job.Status != types.JobStatusQueued {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("job %s is %s, not queued", id, job.Status))
		}
		job.Status = types.JobStatusRunning
		job.StartedAt = &startedAt
		job.Progress = 0.5
		return nil
	})
}

// SetResult transitions a running job to a terminal completed/blocked
// status, recording the release-gated result.
func (s *BoltStore) SetResult(id string, status types.JobStatus, result map[string]any, recordsProcessed *int64, blockReason string, finishedAt time.Time, executionTimeS, memoryUsedMB float64) error {
	return s.updateJob(id, func(job *types.Job) error {
		if job.Status != types.JobStatusRunning {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("job %s is %s, not running", id, job.Status))
		}
		job.Status = status
		job.Progress = 1.0
		job.Result = result
		job.RecordsProcessed = recordsProcessed
		job.BlockReason = blockReason
		job.FinishedAt = &finishedAt
		job.ExecutionTimeS = executionTimeS
		job.MemoryUsedMB = memoryUsedMB
		return nil
	})
}

// SetFailed transitions a job to failed from any non-terminal status.
func (s *BoltStore) SetFailed(id string, errMsg string, finishedAt time.Time, executionTimeS float64) error {
	return s.updateJob(id, func(job *types.Job) error {
		if job.Status.Terminal() {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("job %s already terminal (%s)", id, job.Status))
		}
		job.Status = types.JobStatusFailed
		job.Progress = 1.0
		job.Error = errMsg
		job.FinishedAt = &finishedAt
		job.ExecutionTimeS = executionTimeS
		return nil
	})
}

// SetCancelled transitions a queued or running job to cancelled.
func (s *BoltStore) SetCancelled(id string, finishedAt time.Time) error {
	return s.updateJob(id, func(job *types.Job) error {
		if job.Status != types.JobStatusQueued && job.Status != types.JobStatusRunning {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Errorf("job %s is %s, cannot cancel", id, job.Status))
		}
		job.Status = types.JobStatusCancelled
		job.Progress = 1.0
		job.FinishedAt = &finishedAt
		return nil
	})
}

func (s *BoltStore) updateJob(id string, mutate func(job *types.Job) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var job types.Job
		if err := getJSON(b, id, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		return putJSON(b, id, &job)
	})
}

// InsertAudit appends an immutable audit row, assigning an ID if absent.
func (s *BoltStore) InsertAudit(entry *types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAudit), entry.ID, entry)
	})
}

// ListAudit returns every audit row for a job, oldest first.
func (s *BoltStore) ListAudit(jobID string) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if jobID == "" || e.JobID == jobID {
				entries = append(entries, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// InsertUpload writes a new uploaded-file row.
func (s *BoltStore) InsertUpload(file *types.UploadedFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketUploads), file.ID, file)
	})
}

// GetUpload looks up an uploaded file by ID.
func (s *BoltStore) GetUpload(id string) (*types.UploadedFile, error) {
	var file types.UploadedFile
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUploads), id, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// InsertAnalysisRequest writes a new pending request row.
func (s *BoltStore) InsertAnalysisRequest(req *types.AnalysisRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAnalysisRequests), req.ID, req)
	})
}

// GetAnalysisRequest looks up a request by ID.
func (s *BoltStore) GetAnalysisRequest(id string) (*types.AnalysisRequest, error) {
	var req types.AnalysisRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAnalysisRequests), id, &req)
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateAnalysisRequest overwrites an existing request row in place.
func (s *BoltStore) UpdateAnalysisRequest(req *types.AnalysisRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAnalysisRequests), req.ID, req)
	})
}

// ListAnalysisRequests returns requests matching status ("" matches any).
func (s *BoltStore) ListAnalysisRequests(status types.AnalysisRequestStatus) ([]*types.AnalysisRequest, error) {
	var reqs []*types.AnalysisRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalysisRequests).ForEach(func(k, v []byte) error {
			var r types.AnalysisRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if status == "" || r.Status == status {
				reqs = append(reqs, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].SubmittedAt.After(reqs[j].SubmittedAt) })
	return reqs, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("key %q", key))
	}
	return json.Unmarshal(data, v)
}
