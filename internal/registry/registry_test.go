package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/imgforge/internal/core"
)

func newTestJob(r *Registry) *core.Job {
	return r.CreateJob(core.DefaultProcessingOptions(), []string{"a.png", "b.png"}, [][]byte{{1}, {2}})
}

func TestCreateJob_BuildsPendingTasks(t *testing.T) {
	r := New()
	job := newTestJob(r)

	assert.Equal(t, core.JobCreated, job.State)
	require.Len(t, job.Tasks, 2)
	for _, task := range job.Tasks {
		assert.Equal(t, core.TaskPending, task.State)
		assert.NotEmpty(t, task.TaskID)
	}
	assert.Equal(t, 2, job.Counters.Total)
}

func TestMarkRunning_TransitionsOnlyFromCreated(t *testing.T) {
	r := New()
	job := newTestJob(r)

	r.MarkRunning(job)
	assert.Equal(t, core.JobRunning, job.State)
	require.NotNil(t, job.StartedAt)

	startedAt := job.StartedAt
	r.MarkRunning(job)
	assert.Same(t, startedAt, job.StartedAt, "a second MarkRunning must not reset StartedAt")
}

func TestUpdateTask_RecomputesCountersAndCompletesJob(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)

	first := job.Tasks[0].TaskID
	second := job.Tasks[1].TaskID

	require.NoError(t, r.UpdateTask(job, first, func(ft *core.FileTask) {
		ft.State = core.TaskSucceeded
	}))
	assert.Equal(t, 1, job.Counters.Completed)
	assert.False(t, job.State.Terminal())

	require.NoError(t, r.UpdateTask(job, second, func(ft *core.FileTask) {
		ft.State = core.TaskFailed
	}))
	assert.Equal(t, 2, job.Counters.Completed)
	assert.Equal(t, 1, job.Counters.Succeeded)
	assert.Equal(t, 1, job.Counters.Failed)
	assert.Equal(t, core.JobCompleted, job.State)
	require.NotNil(t, job.FinishedAt)
}

func TestUpdateTask_AllTaskFailuresStillCompleteTheJob(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)

	for _, task := range job.Tasks {
		require.NoError(t, r.UpdateTask(job, task.TaskID, func(ft *core.FileTask) {
			ft.State = core.TaskFailed
		}))
	}
	assert.Equal(t, core.JobCompleted, job.State)
	assert.Equal(t, job.Counters.Total, job.Counters.Failed)
}

func TestUpdateTask_CancelledJobFinishesAsCancelled(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	_, err := r.Cancel(job.JobID)
	require.NoError(t, err)

	for _, task := range job.Tasks {
		require.NoError(t, r.UpdateTask(job, task.TaskID, func(ft *core.FileTask) {
			ft.State = core.TaskSkippedCancel
		}))
	}
	assert.Equal(t, core.JobCancelled, job.State)
}

func TestUpdateTask_UnknownTaskIDReturnsError(t *testing.T) {
	r := New()
	job := newTestJob(r)
	err := r.UpdateTask(job, "does-not-exist", func(ft *core.FileTask) {})
	assert.Error(t, err)
}

func TestSnapshot_ComputesETAWhileRunning(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	started := time.Now().Add(-10 * time.Second)
	job.StartedAt = &started

	require.NoError(t, r.UpdateTask(job, job.Tasks[0].TaskID, func(ft *core.FileTask) {
		ft.State = core.TaskSucceeded
	}))

	snap := r.Snapshot(job)
	require.NotNil(t, snap.ETA)
	assert.Greater(t, *snap.ETA, time.Duration(0))
}

func TestListActive_ExcludesTerminalJobs(t *testing.T) {
	r := New()
	active := newTestJob(r)
	r.MarkRunning(active)

	done := newTestJob(r)
	r.MarkRunning(done)
	for _, task := range done.Tasks {
		require.NoError(t, r.UpdateTask(done, task.TaskID, func(ft *core.FileTask) {
			ft.State = core.TaskSucceeded
		}))
	}

	ids := make(map[string]bool)
	for _, snap := range r.ListActive() {
		ids[snap.JobID] = true
	}
	assert.True(t, ids[active.JobID])
	assert.False(t, ids[done.JobID])

	allIDs := make(map[string]bool)
	for _, snap := range r.ListAll() {
		allIDs[snap.JobID] = true
	}
	assert.True(t, allIDs[done.JobID])
}

func TestReap_RemovesOnlyOldTerminalJobs(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	for _, task := range job.Tasks {
		require.NoError(t, r.UpdateTask(job, task.TaskID, func(ft *core.FileTask) {
			ft.State = core.TaskSucceeded
		}))
	}
	past := time.Now().Add(-time.Hour)
	job.FinishedAt = &past

	queues, tasks := r.Reap(time.Minute)
	assert.Equal(t, 1, queues)
	assert.Equal(t, 2, tasks)

	_, ok := r.Get(job.JobID)
	assert.False(t, ok)
}

func TestFailJob_ForcesFailedStateWithReason(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)

	r.FailJob(job, "CAPACITY")

	assert.Equal(t, core.JobFailed, job.State)
	assert.Equal(t, "CAPACITY", job.FailureReason)
	require.NotNil(t, job.FinishedAt)
}

func TestFailJob_NoopWhenAlreadyTerminal(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	r.FailJob(job, "CAPACITY")
	finishedAt := job.FinishedAt

	r.FailJob(job, "SOMETHING_ELSE")

	assert.Equal(t, "CAPACITY", job.FailureReason)
	assert.Equal(t, finishedAt, job.FinishedAt)
}

func TestUpdateTask_DoesNotOverrideFailJobOnLaterTaskCompletion(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	r.FailJob(job, "CAPACITY")

	for _, task := range job.Tasks {
		require.NoError(t, r.UpdateTask(job, task.TaskID, func(ft *core.FileTask) {
			ft.State = core.TaskSucceeded
		}))
	}

	assert.Equal(t, core.JobFailed, job.State)
	assert.Equal(t, 2, job.Counters.Succeeded)
}

func TestConsumeTerminalNotification_FiresOnlyOnce(t *testing.T) {
	r := New()
	job := newTestJob(r)
	r.MarkRunning(job)
	r.FailJob(job, "CAPACITY")

	assert.True(t, job.ConsumeTerminalNotification())
	assert.False(t, job.ConsumeTerminalNotification())
}

func TestCancel_UnknownJobReturnsError(t *testing.T) {
	r := New()
	_, err := r.Cancel("missing")
	assert.Error(t, err)
}
