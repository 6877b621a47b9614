package workspace

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/fednode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob() *types.Job {
	return &types.Job{
		ID:            "job-1",
		CatalogID:     "cat-1",
		ScriptKind:    types.ScriptKindPython,
		ScriptContent: "result = {'n': 1}\nsave_results(result)\n",
		Status:        types.JobStatusQueued,
		SubmittedAt:   time.Now(),
	}
}

func TestBuildStagesAllFiles(t *testing.T) {
	workDir := t.TempDir()
	dataRoot := t.TempDir()
	b := NewBuilder(workDir, dataRoot, 5)

	minCohort := 10
	catalog := &types.CatalogDescriptor{ID: "cat-1", Name: "cohort-a", MinCohortSize: &minCohort}

	ws, err := b.Build(testJob(), catalog, nil)
	require.NoError(t, err)

	assertExists(t, ws.ScriptPath)
	assertExists(t, ws.ConfigPath)
	assertExists(t, ws.EntrypointPath)
	assert.Equal(t, dataRoot, ws.Env["DATA_ROOT"])
	assert.Equal(t, "10", ws.Env["MIN_COHORT_SIZE"])
	assert.NotEmpty(t, ws.Env["OUTPUT_FILE"])
}

func TestBuildFallsBackToNodeMinCohort(t *testing.T) {
	b := NewBuilder(t.TempDir(), t.TempDir(), 5)
	ws, err := b.Build(testJob(), &types.CatalogDescriptor{ID: "cat-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "5", ws.Env["MIN_COHORT_SIZE"])
}

func TestBuildUsesScriptKindExtension(t *testing.T) {
	b := NewBuilder(t.TempDir(), t.TempDir(), 5)
	job := testJob()
	job.ScriptKind = types.ScriptKindR
	ws, err := b.Build(job, &types.CatalogDescriptor{ID: "cat-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, ws.ScriptPath, "script.r")
}

func TestCleanupRemovesDirectory(t *testing.T) {
	workDir := t.TempDir()
	b := NewBuilder(workDir, t.TempDir(), 5)
	ws, err := b.Build(testJob(), &types.CatalogDescriptor{ID: "cat-1"}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Cleanup("job-1"))
	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.NoError(t, err, "expected %s to exist", path)
}
