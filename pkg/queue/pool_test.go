package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fednode/pkg/apperrors"
	"github.com/cuemby/fednode/pkg/types"
)

func TestQueuePushRejectsWhenOverloaded(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push("job-1"))
	assert.True(t, q.Overloaded())
	err := q.Push("job-2")
	assert.ErrorIs(t, err, apperrors.ErrOverloaded)
}

func TestPoolStartStopDrainsWorkers(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{outcome: nil, err: apperrors.ErrRunner}
	p := setupPool(t, st, runner)

	p.Start()
	time.Sleep(10 * time.Millisecond)
	p.Stop()
}

func TestPoolCancelDelegatesToRunner(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{}
	p := setupPool(t, st, runner)

	err := p.Cancel("job-x")
	assert.NoError(t, err)
}

func TestCancelJobQueuedTransitionsDirectly(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.InsertJob(&types.Job{ID: "job-1", Status: types.JobStatusQueued, SubmittedAt: time.Now()}))
	p := setupPool(t, st, &fakeRunner{})

	job, err := p.CancelJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
}

func TestCancelJobRunningStopsRunnerThenCancels(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.InsertJob(&types.Job{ID: "job-1", Status: types.JobStatusRunning, SubmittedAt: time.Now()}))
	p := setupPool(t, st, &fakeRunner{})

	job, err := p.CancelJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
}

func TestCancelJobTerminalIsIdempotentNoOp(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.InsertJob(&types.Job{ID: "job-1", Status: types.JobStatusCompleted, SubmittedAt: time.Now()}))
	p := setupPool(t, st, &fakeRunner{})

	job, err := p.CancelJob("job-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	require.NotNil(t, job)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}
