// Package sandbox executes a staged job workspace in isolation, either as
// a resource-limited, network-less containerd container or as a
// subprocess; the node's execution.backend setting picks one at startup.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/workspace"
)

// Outcome is the result of running a job to completion (or failure),
// mirroring the output.json schema the shim writes.
type Outcome struct {
	Success          bool           `json:"success"`
	Data             map[string]any `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	Traceback        string         `json:"traceback,omitempty"`
	ExecutionTimeS   float64        `json:"execution_time_s"`
	MemoryUsedMB     float64        `json:"memory_used_mb"`
	RecordsProcessed *int64         `json:"records_processed,omitempty"`
	Logs             string         `json:"logs,omitempty"`
}

// Runner executes a prepared workspace and reports its outcome. Run must
// honor ctx's deadline as the job's max_execution_time. Stop cancels a job
// that is currently running; it is a no-op if the job is not running or
// has already finished.
type Runner interface {
	Run(ctx context.Context, jobID string, ws *workspace.PreparedWorkspace) (*Outcome, error)
	Stop(jobID string) error
}

// outputPayload is the JSON shape the shim writes to output.json.
type outputPayload struct {
	Status           string         `json:"status"`
	Error            string         `json:"error,omitempty"`
	Traceback        string         `json:"traceback,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	RecordsProcessed *int64         `json:"records_processed,omitempty"`
}

// readOutput reads and parses output.json after a run has finished,
// matching the Python prototype's "message if no output file" fallback.
func readOutput(ws *workspace.PreparedWorkspace) (*outputPayload, error) {
	data, err := os.ReadFile(ws.OutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &outputPayload{Status: "failed", Error: "no output file generated"}, nil
		}
		return nil, fmt.Errorf("read output: %w", err)
	}
	var payload outputPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}
	return &payload, nil
}

func outcomeFromPayload(payload *outputPayload, elapsed time.Duration, memoryMB float64, logs string) *Outcome {
	return &Outcome{
		Success:          payload.Status == "completed",
		Data:             payload.Data,
		Error:            payload.Error,
		Traceback:        payload.Traceback,
		ExecutionTimeS:   elapsed.Seconds(),
		MemoryUsedMB:     memoryMB,
		RecordsProcessed: recordsProcessed(payload),
		Logs:             logs,
	}
}

// recordsProcessed prefers an explicit records_processed the shim
// wrote, else falls back to the "sample_size" key of the script's own
// result map. Neither present means the release gate must fall back to
// the catalog's record count (see queue.cohortSizeFromOutcome); this
// function does not guess beyond what the script reported.
func recordsProcessed(payload *outputPayload) *int64 {
	if payload.RecordsProcessed != nil {
		return payload.RecordsProcessed
	}
	if payload.Data == nil {
		return nil
	}
	raw, ok := payload.Data["sample_size"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int64(v)
		return &n
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	default:
		return nil
	}
}

// runningSet tracks cancellation handles for in-flight jobs, guarded by a
// mutex so the completion path and an explicit Stop() can never race.
type runningSet[T any] struct {
	mu      sync.Mutex
	handles map[string]T
}

func newRunningSet[T any]() *runningSet[T] {
	return &runningSet[T]{handles: make(map[string]T)}
}

func (s *runningSet[T]) set(jobID string, handle T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[jobID] = handle
}

func (s *runningSet[T]) get(jobID string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[jobID]
	return h, ok
}

func (s *runningSet[T]) delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, jobID)
}

// errNotRunning is returned by Stop when the job has no active handle.
var errNotRunning = apperrors.Wrap(apperrors.ErrNotFound, fmt.Errorf("job is not running"))
