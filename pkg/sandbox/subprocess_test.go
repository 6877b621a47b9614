package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fednode/pkg/types"
	"github.com/cuemby/fednode/pkg/workspace"
)

func TestSubprocessRunnerSkipsUnavailableInterpreter(t *testing.T) {
	r := &SubprocessRunner{available: map[types.ScriptKind]string{}, running: newRunningSet[*exec.Cmd]()}
	ws := &workspace.PreparedWorkspace{ScriptPath: "/tmp/script.py", EntrypointPath: "/tmp/entrypoint.py", Env: map[string]string{}}
	_, err := r.Run(context.Background(), "job-1", ws)
	require.Error(t, err)
}

func TestSubprocessRunnerExecutesPythonEntrypoint(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in this environment")
	}

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "output.json")
	entrypoint := filepath.Join(dir, "entrypoint.py")
	require.NoError(t, os.WriteFile(entrypoint, []byte(`
import json, os
with open(os.environ["OUTPUT_FILE"], "w") as f:
    json.dump({"status": "completed", "data": {"n": 1}}, f)
`), 0o644))

	r := NewSubprocessRunner()
	ws := &workspace.PreparedWorkspace{
		Dir:            dir,
		ScriptPath:     filepath.Join(dir, "script.py"),
		EntrypointPath: entrypoint,
		OutputPath:     outputPath,
		Env:            map[string]string{"OUTPUT_FILE": outputPath},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := r.Run(ctx, "job-1", ws)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, float64(1), outcome.Data["n"])
}

func TestSubprocessRunnerTimeoutReturnsFailedOutcome(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available in this environment")
	}

	dir := t.TempDir()
	entrypoint := filepath.Join(dir, "entrypoint.py")
	require.NoError(t, os.WriteFile(entrypoint, []byte("import time\ntime.sleep(60)\n"), 0o644))

	r := NewSubprocessRunner()
	ws := &workspace.PreparedWorkspace{
		Dir:            dir,
		ScriptPath:     filepath.Join(dir, "script.py"),
		EntrypointPath: entrypoint,
		OutputPath:     filepath.Join(dir, "output.json"),
		Env:            map[string]string{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	outcome, err := r.Run(ctx, "job-1", ws)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "timed out")
	assert.Greater(t, outcome.ExecutionTimeS, 0.0)
}

func TestSubprocessStopWithoutRunningJobErrors(t *testing.T) {
	r := NewSubprocessRunner()
	err := r.Stop("does-not-exist")
	require.Error(t, err)
}
