package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fednode/pkg/config"
	"github.com/cuemby/fednode/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.Execution.Backend = "subprocess"
	cfg.Policy.MinCohortSize = 10

	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	manifest := `{"catalogs":[{"id":"cat-1","name":"cohort-a","files":[]},{"id":"cat-2","name":"cohort-b","min_cohort_size":25,"files":[]}]}`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))
	cfg.ManifestPath = manifestPath
	return cfg
}

func TestStartMarksOrphanedRunningJobsFailed(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg)
	require.NoError(t, err)

	started := time.Now()
	orphan := &types.Job{
		ID:          "job-orphan",
		CatalogID:   "cat-1",
		Status:      types.JobStatusRunning,
		SubmittedAt: started,
		StartedAt:   &started,
	}
	require.NoError(t, n.Store.InsertJob(orphan))

	require.NoError(t, n.Start())
	defer func() { require.NoError(t, n.Stop()) }()

	got, err := n.Store.GetJob("job-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "recovered")
}

func TestStartRequeuesQueuedJobsInAdmissionOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.WorkerCount = 0 // nothing drains, so the depth is observable

	n, err := New(cfg)
	require.NoError(t, err)

	older := time.Now().Add(-time.Minute)
	newer := time.Now()
	require.NoError(t, n.Store.InsertJob(&types.Job{ID: "job-a", CatalogID: "cat-1", Status: types.JobStatusQueued, SubmittedAt: older}))
	require.NoError(t, n.Store.InsertJob(&types.Job{ID: "job-b", CatalogID: "cat-1", Status: types.JobStatusQueued, SubmittedAt: newer}))

	require.NoError(t, n.Start())
	defer func() { require.NoError(t, n.Stop()) }()

	assert.Equal(t, 2, n.Queue.Depth())
}

func TestGetJobProjectsUnderCohortCompletedAsBlocked(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg)
	require.NoError(t, err)
	defer n.Store.Close()

	records := int64(3)
	finished := time.Now()
	job := &types.Job{
		ID:               "job-small",
		CatalogID:        "cat-1",
		Status:           types.JobStatusCompleted,
		SubmittedAt:      finished,
		FinishedAt:       &finished,
		Result:           map[string]any{"mean": 1.5},
		RecordsProcessed: &records,
	}
	require.NoError(t, n.Store.InsertJob(job))

	view, err := n.GetJob("job-small")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusBlocked, view.Status)
	assert.Nil(t, view.Result)
	assert.Contains(t, view.BlockReason, "cohort size (3)")
	assert.Contains(t, view.BlockReason, "minimum (10)")

	// The stored row itself is untouched; only the view is projected.
	raw, err := n.Store.GetJob("job-small")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, raw.Status)
}

func TestGetJobHonorsCatalogOverrideInProjection(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg)
	require.NoError(t, err)
	defer n.Store.Close()

	records := int64(20) // above node default (10), below cat-2's override (25)
	job := &types.Job{
		ID:               "job-override",
		CatalogID:        "cat-2",
		Status:           types.JobStatusCompleted,
		SubmittedAt:      time.Now(),
		Result:           map[string]any{"mean": 1.5},
		RecordsProcessed: &records,
	}
	require.NoError(t, n.Store.InsertJob(job))

	view, err := n.GetJob("job-override")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusBlocked, view.Status)
	assert.Contains(t, view.BlockReason, "minimum (25)")
}
