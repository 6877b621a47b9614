package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/catalog"
	"github.com/cuemby/fednode/pkg/policy"
	"github.com/cuemby/fednode/pkg/queue"
	"github.com/cuemby/fednode/pkg/store"
	"github.com/cuemby/fednode/pkg/types"
)

type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*types.Job
	audit []*types.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*types.Job{}}
}

func (m *memStore) InsertJob(job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}
func (m *memStore) GetJob(id string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return j, nil
}
func (m *memStore) ListJobs(store.JobFilter) ([]*types.Job, error) { return nil, nil }
func (m *memStore) SetRunning(string, time.Time) error { return nil }
func (m *memStore) SetResult(string, types.JobStatus, map[string]any, *int64, string, time.Time, float64, float64) error {
	return nil
}
func (m *memStore) SetFailed(string, string, time.Time, float64) error { return nil }
func (m *memStore) SetCancelled(string, time.Time) error { return nil }
func (m *memStore) InsertAudit(e *types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}
func (m *memStore) ListAudit(string) ([]*types.AuditEntry, error) { return m.audit, nil }
func (m *memStore) InsertUpload(*types.UploadedFile) error { return nil }
func (m *memStore) GetUpload(string) (*types.UploadedFile, error) { return nil, nil }
func (m *memStore) InsertAnalysisRequest(*types.AnalysisRequest) error { return nil }
func (m *memStore) GetAnalysisRequest(string) (*types.AnalysisRequest, error) {
	return nil, nil
}
func (m *memStore) UpdateAnalysisRequest(*types.AnalysisRequest) error { return nil }
func (m *memStore) ListAnalysisRequests(types.AnalysisRequestStatus) ([]*types.AnalysisRequest, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }

func setupController(t *testing.T) (*Controller, *memStore) {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"catalogs":[{"id":"cat-1","name":"cohort-a","files":[]}]}`), 0o644))

	resolver := catalog.NewResolver(dir, dir)
	require.NoError(t, resolver.Load(manifestPath))

	st := newMemStore()
	q := queue.NewQueue(10)
	eng := policy.NewEngine(5, 3, 50_000, 1000, false, 1.0)

	return NewController("node-1", resolver, st, q, eng, []string{"python", "r", "sql", "shell"}), st
}

func TestSubmitAcceptsValidJob(t *testing.T) {
	c, st := setupController(t)
	job, err := c.Submit(Submission{
		CatalogKey:    "cohort-a",
		ScriptKind:    types.ScriptKindPython,
		ScriptContent: "result = {'n': 1}\nsave_results(result)\n",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	sum := sha256.Sum256([]byte("result = {'n': 1}\nsave_results(result)\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.ScriptHash)
}

func TestSubmitStampsNodeIdentities(t *testing.T) {
	c, _ := setupController(t)
	job, err := c.Submit(Submission{
		TargetNodeID:    "node-1",
		CatalogKey:      "cohort-a",
		ScriptKind:      types.ScriptKindPython,
		ScriptContent:   "x = 1",
		RequesterNodeID: "node-remote",
	})
	require.NoError(t, err)
	assert.Equal(t, "node-1", job.ExecutorNodeID)
	assert.Equal(t, "node-remote", job.RequesterNodeID)
}

func TestSubmitRejectsUnknownTargetNode(t *testing.T) {
	c, _ := setupController(t)
	_, err := c.Submit(Submission{
		TargetNodeID:  "some-other-node",
		CatalogKey:    "cohort-a",
		ScriptKind:    types.ScriptKindPython,
		ScriptContent: "x = 1",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSubmitRejectsUnknownCatalog(t *testing.T) {
	c, _ := setupController(t)
	_, err := c.Submit(Submission{CatalogKey: "nope", ScriptKind: types.ScriptKindPython, ScriptContent: "x=1"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSubmitRejectsDisallowedKind(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"catalogs":[{"id":"cat-1","name":"cohort-a","files":[]}]}`), 0o644))
	resolver := catalog.NewResolver(dir, dir)
	require.NoError(t, resolver.Load(manifestPath))

	st := newMemStore()
	q := queue.NewQueue(10)
	eng := policy.NewEngine(5, 3, 50_000, 1000, false, 1.0)
	c := NewController("node-1", resolver, st, q, eng, []string{"python"})

	_, err := c.Submit(Submission{CatalogKey: "cohort-a", ScriptKind: types.ScriptKindShell, ScriptContent: "ls"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSubmitAdmitsUnsafeScriptForWorkerToReject(t *testing.T) {
	// Static script-safety screening happens in the worker loop, not at
	// admission, so a job with an unsafe script is still queued here;
	// TestPoolFailsJobOnUnsafeScriptWithoutBuildingWorkspace in pkg/queue
	// covers the terminal-failed path.
	c, _ := setupController(t)
	job, err := c.Submit(Submission{
		CatalogKey:    "cohort-a",
		ScriptKind:    types.ScriptKindPython,
		ScriptContent: "import os\nos.system('rm -rf /')\n",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
}

func TestSubmitRejectsWhenQueueOverloaded(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`{"catalogs":[{"id":"cat-1","name":"cohort-a","files":[]}]}`), 0o644))
	resolver := catalog.NewResolver(dir, dir)
	require.NoError(t, resolver.Load(manifestPath))

	st := newMemStore()
	q := queue.NewQueue(1)
	require.NoError(t, q.Push("occupying-slot"))
	eng := policy.NewEngine(5, 3, 50_000, 1000, false, 1.0)
	c := NewController("node-1", resolver, st, q, eng, []string{"python"})

	_, err := c.Submit(Submission{CatalogKey: "cohort-a", ScriptKind: types.ScriptKindPython, ScriptContent: "x=1"})
	assert.ErrorIs(t, err, apperrors.ErrOverloaded)
}
