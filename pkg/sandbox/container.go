package sandbox

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/types"
	"github.com/cuemby/fednode/pkg/workspace"
	"github.com/rs/zerolog"
)

// DefaultNamespace is the containerd namespace jobs run under.
const DefaultNamespace = "fednode"

// containerHandle lets Stop cancel an in-flight run without racing the
// run's own completion path.
type containerHandle struct {
	containerID string
	cancel      context.CancelFunc
}

// ContainerRunner executes each job in its own containerd container with
// no network namespace and resource limits derived from node config.
type ContainerRunner struct {
	client    *containerd.Client
	namespace string

	imageForKind map[types.ScriptKind]string
	maxMemoryMB  int64
	maxCPUCores  float64
	gracePeriod  time.Duration

	running *runningSet[containerHandle]
	logger  zerolog.Logger
}

// commandForKind is the in-container argv used to invoke the staged
// entrypoint, keyed by script kind.
var commandForKind = map[types.ScriptKind][]string{
	types.ScriptKindPython: {"python3", "entrypoint.py"},
	types.ScriptKindR:      {"Rscript", "entrypoint.R"},
	types.ScriptKindSQL:    {"python3", "entrypoint.py"},
	types.ScriptKindShell:  {"python3", "entrypoint.py"},
}

// NewContainerRunner connects to containerd over socketPath.
func NewContainerRunner(socketPath string, imageForKind map[string]string, maxMemoryMB int64, maxCPUCores float64, gracePeriod time.Duration) (*ContainerRunner, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("connect to containerd: %w", err))
	}

	images := make(map[types.ScriptKind]string, len(imageForKind))
	for k, v := range imageForKind {
		images[types.ScriptKind(k)] = v
	}

	return &ContainerRunner{
		client:       client,
		namespace:    DefaultNamespace,
		imageForKind: images,
		maxMemoryMB:  maxMemoryMB,
		maxCPUCores:  maxCPUCores,
		gracePeriod:  gracePeriod,
		running:      newRunningSet[containerHandle](),
		logger:       log.WithComponent("sandbox.container"),
	}, nil
}

// Close releases the containerd client connection.
func (r *ContainerRunner) Close() error {
	return r.client.Close()
}

// Run stages and executes a job inside a freshly created, network-less
// container, blocking until the task exits or ctx's deadline expires.
func (r *ContainerRunner) Run(ctx context.Context, jobID string, ws *workspace.PreparedWorkspace) (*Outcome, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	kind := kindFromEnv(ws)
	imageRef, ok := r.imageForKind[kind]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("no execution image configured for kind %q", kind))
	}

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		image, err = r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("pull image %s: %w", imageRef, err))
		}
	}

	env := make([]string, 0, len(ws.Env))
	for k, v := range ws.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs(commandForKind[kind]...),
		oci.WithMounts([]specs.Mount{
			{Source: ws.Dir, Destination: "/workspace", Type: "bind", Options: []string{"rbind", "rw"}},
		}),
	}

	if r.maxCPUCores > 0 {
		shares := uint64(r.maxCPUCores * 1024)
		quota := int64(r.maxCPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if r.maxMemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(r.maxMemoryMB)*1024*1024))
	}
	// No network namespace join: the container is created with its own
	// empty network namespace by default, equivalent to Docker's
	// network_mode="none".

	containerID := "job-" + jobID
	container, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("create container: %w", err))
	}
	defer r.cleanupContainer(container)

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("create task: %w", err))
	}
	defer task.Delete(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.running.set(jobID, containerHandle{containerID: containerID, cancel: cancel})
	defer r.running.delete(jobID)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("wait on task: %w", err))
	}

	start := time.Now()
	if err := task.Start(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRunner, fmt.Errorf("start task: %w", err))
	}

	select {
	case <-statusC:
	case <-runCtx.Done():
		r.killGracefully(ctx, task)
		<-statusC
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Outcome{
				Success:        false,
				Error:          fmt.Sprintf("execution timed out after %.1fs", elapsed.Seconds()),
				ExecutionTimeS: elapsed.Seconds(),
			}, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrCancelled, fmt.Errorf("job %s stopped", jobID))
	}
	elapsed := time.Since(start)

	payload, err := readOutput(ws)
	if err != nil {
		return nil, err
	}
	return outcomeFromPayload(payload, elapsed, float64(r.maxMemoryMB), ""), nil
}

// Stop cancels a job's run context, triggering a graceful SIGTERM then
// SIGKILL against its container task.
func (r *ContainerRunner) Stop(jobID string) error {
	handle, ok := r.running.get(jobID)
	if !ok {
		return errNotRunning
	}
	handle.cancel()
	return nil
}

func (r *ContainerRunner) killGracefully(ctx context.Context, task containerd.Task) {
	stopCtx, cancel := context.WithTimeout(ctx, r.gracePeriod)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		r.logger.Warn().Err(err).Msg("sigterm failed")
	}
	<-stopCtx.Done()
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		r.logger.Warn().Err(err).Msg("sigkill failed")
	}
}

func (r *ContainerRunner) cleanupContainer(container containerd.Container) {
	ctx := namespaces.WithNamespace(context.Background(), r.namespace)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		r.logger.Warn().Err(err).Msg("container cleanup failed")
	}
}

func kindFromEnv(ws *workspace.PreparedWorkspace) types.ScriptKind {
	switch {
	case hasSuffix(ws.ScriptPath, ".py"):
		return types.ScriptKindPython
	case hasSuffix(ws.ScriptPath, ".r"):
		return types.ScriptKindR
	case hasSuffix(ws.ScriptPath, ".sql"):
		return types.ScriptKindSQL
	case hasSuffix(ws.ScriptPath, ".sh"):
		return types.ScriptKindShell
	default:
		return types.ScriptKindPython
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
