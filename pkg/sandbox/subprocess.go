package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/types"
	"github.com/cuemby/fednode/pkg/workspace"
	"github.com/rs/zerolog"
)

// interpreterForKind maps a script kind to the interpreter binary the
// entrypoint is invoked with when running outside a container.
var interpreterForKind = map[types.ScriptKind]string{
	types.ScriptKindPython: "python3",
	types.ScriptKindR:      "Rscript",
	types.ScriptKindSQL:    "python3",
	types.ScriptKindShell:  "python3",
}

// SubprocessRunner executes a job's staged entrypoint as a plain OS
// process. The node uses it when execution.backend is "subprocess"
// (development, or single-tenant deployments that accept weaker
// isolation); it is not an automatic fallback for an unreachable
// containerd socket.
type SubprocessRunner struct {
	available map[types.ScriptKind]string // resolved interpreter paths

	running *runningSet[*exec.Cmd]
	logger  zerolog.Logger
}

// NewSubprocessRunner resolves available interpreters via exec.LookPath at
// startup; a kind whose interpreter is not installed is simply absent from
// the available map and Run rejects jobs of that kind.
func NewSubprocessRunner() *SubprocessRunner {
	available := make(map[types.ScriptKind]string)
	for kind, bin := range interpreterForKind {
		if path, err := exec.LookPath(bin); err == nil {
			available[kind] = path
		}
	}
	return &SubprocessRunner{
		available: available,
		running:   newRunningSet[*exec.Cmd](),
		logger:    log.WithComponent("sandbox.subprocess"),
	}
}

// Run executes the job's entrypoint with the job's env, honoring ctx's
// deadline as the hard wall-clock timeout.
func (r *SubprocessRunner) Run(ctx context.Context, jobID string, ws *workspace.PreparedWorkspace) (*Outcome, error) {
	kind := kindFromEnv(ws)
	interpreter, ok := r.available[kind]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("no interpreter available for kind %q", kind))
	}

	cmd := exec.CommandContext(ctx, interpreter, ws.EntrypointPath)
	cmd.Dir = ws.Dir
	// Only a few host variables are inherited; the job env supplies the rest.
	cmd.Env = make([]string, 0, len(ws.Env)+4)
	for _, k := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v, ok := os.LookupEnv(k); ok {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	for k, v := range ws.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.running.set(jobID, cmd)
	defer r.running.delete(jobID)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Outcome{
				Success:        false,
				Error:          fmt.Sprintf("execution timed out after %.1fs", elapsed.Seconds()),
				ExecutionTimeS: elapsed.Seconds(),
				Logs:           stdout.String(),
			}, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrCancelled, fmt.Errorf("job %s cancelled: %w", jobID, ctx.Err()))
	}

	payload, err := readOutput(ws)
	if err != nil {
		return nil, err
	}
	if runErr != nil && payload.Status != "failed" {
		payload.Status = "failed"
		payload.Error = fmt.Sprintf("process exited with error: %v; stderr: %s", runErr, stderr.String())
	}

	return outcomeFromPayload(payload, elapsed, 0, stdout.String()), nil
}

// Stop kills the job's process immediately (SIGKILL); subprocess jobs get
// no graceful-termination window.
func (r *SubprocessRunner) Stop(jobID string) error {
	cmd, ok := r.running.get(jobID)
	if !ok {
		return errNotRunning
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
