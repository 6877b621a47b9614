package reconciler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	requests map[string]*types.AnalysisRequest
}

func newFakeStore(jobs ...*types.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]*types.Job{}, requests: map[string]*types.AnalysisRequest{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) InsertJob(job *types.Job) error { s.jobs[job.ID] = job; return nil }
func (s *fakeStore) GetJob(id string) (*types.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return j, nil
}
func (s *fakeStore) ListJobs(filter store.JobFilter) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
func (s *fakeStore) SetRunning(string, time.Time) error { return nil }
func (s *fakeStore) SetResult(string, types.JobStatus, map[string]any, *int64, string, time.Time, float64, float64) error {
	return nil
}
func (s *fakeStore) SetFailed(string, string, time.Time, float64) error { return nil }
func (s *fakeStore) SetCancelled(string, time.Time) error { return nil }
func (s *fakeStore) InsertAudit(*types.AuditEntry) error { return nil }
func (s *fakeStore) ListAudit(string) ([]*types.AuditEntry, error) {
	return nil, nil
}
func (s *fakeStore) InsertUpload(*types.UploadedFile) error { return nil }
func (s *fakeStore) GetUpload(string) (*types.UploadedFile, error) { return nil, nil }
func (s *fakeStore) InsertAnalysisRequest(req *types.AnalysisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}
func (s *fakeStore) GetAnalysisRequest(id string) (*types.AnalysisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return req, nil
}
func (s *fakeStore) UpdateAnalysisRequest(req *types.AnalysisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}
func (s *fakeStore) ListAnalysisRequests(status types.AnalysisRequestStatus) ([]*types.AnalysisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.AnalysisRequest
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
func (s *fakeStore) Close() error { return nil }

type fakeWorkspaces struct {
	mu      sync.Mutex
	cleaned []string
}

func (f *fakeWorkspaces) Cleanup(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, jobID)
	return nil
}

func TestPruneTerminalWorkspacesPastRetention(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-1 * time.Minute)

	jobOld := &types.Job{ID: "job-old", Status: types.JobStatusCompleted, FinishedAt: &old}
	jobRecent := &types.Job{ID: "job-recent", Status: types.JobStatusCompleted, FinishedAt: &recent}
	jobRunning := &types.Job{ID: "job-running", Status: types.JobStatusRunning}

	st := newFakeStore(jobOld, jobRecent, jobRunning)
	ws := &fakeWorkspaces{}
	r := NewReconciler(st, ws, time.Second, 24*time.Hour, time.Minute)

	require.NoError(t, r.pruneTerminalWorkspaces())

	assert.Equal(t, []string{"job-old"}, ws.cleaned)
}

func TestWarnStuckJobsDoesNotMutateState(t *testing.T) {
	longAgo := time.Now().Add(-10 * time.Minute)
	job := &types.Job{ID: "job-stuck", Status: types.JobStatusRunning, StartedAt: &longAgo}

	st := newFakeStore(job)
	r := NewReconciler(st, &fakeWorkspaces{}, time.Second, 24*time.Hour, time.Minute)

	require.NoError(t, r.warnStuckJobs())

	got, err := st.GetJob("job-stuck")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
}

func TestExpireStaleRequestsFlipsOverduePending(t *testing.T) {
	overdue := time.Now().Add(-time.Minute)
	notYet := time.Now().Add(time.Hour)

	st := newFakeStore()
	require.NoError(t, st.InsertAnalysisRequest(&types.AnalysisRequest{ID: "req-old", Status: types.AnalysisRequestPending, ExpiresAt: &overdue}))
	require.NoError(t, st.InsertAnalysisRequest(&types.AnalysisRequest{ID: "req-fresh", Status: types.AnalysisRequestPending, ExpiresAt: &notYet}))

	r := NewReconciler(st, &fakeWorkspaces{}, time.Second, time.Hour, time.Hour)
	require.NoError(t, r.expireStaleRequests())

	old, err := st.GetAnalysisRequest("req-old")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisRequestExpired, old.Status)

	fresh, err := st.GetAnalysisRequest("req-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.AnalysisRequestPending, fresh.Status)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	st := newFakeStore()
	r := NewReconciler(st, &fakeWorkspaces{}, 10*time.Millisecond, time.Hour, time.Hour)
	r.Start()
	time.Sleep(25 * time.Millisecond)
	r.Stop()
}
