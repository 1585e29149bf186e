package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() JobSpec {
	return JobSpec{
		Name:           "test-job",
		MaxParallelism: 2,
		Tasks: map[string]TaskSpec{
			"a": {ExecutorType: "arithmetic", Command: `{"op":"add","operands":[1,2]}`},
			"b": {ExecutorType: "delay", DependsOn: []string{"a"}},
		},
	}
}

func TestJobSpecValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, testSpec().Validate())
	})
	t.Run("no tasks", func(t *testing.T) {
		spec := JobSpec{MaxParallelism: 1}
		err := spec.Validate()
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})
	t.Run("parallelism below one", func(t *testing.T) {
		spec := testSpec()
		spec.MaxParallelism = 0
		require.Error(t, spec.Validate())
	})
	t.Run("missing executor type", func(t *testing.T) {
		spec := testSpec()
		spec.Tasks["c"] = TaskSpec{}
		require.Error(t, spec.Validate())
	})
	t.Run("unknown dependency", func(t *testing.T) {
		spec := testSpec()
		spec.Tasks["c"] = TaskSpec{ExecutorType: "delay", DependsOn: []string{"nope"}}
		require.Error(t, spec.Validate())
	})
	t.Run("self dependency", func(t *testing.T) {
		spec := testSpec()
		spec.Tasks["c"] = TaskSpec{ExecutorType: "delay", DependsOn: []string{"c"}}
		require.Error(t, spec.Validate())
	})
}

func TestNewJobState(t *testing.T) {
	now := time.Now()
	js := NewJobState("job-1", testSpec(), now)

	require.Len(t, js.Tasks, 2)
	assert.Equal(t, JobStatusCreated, js.Status)
	assert.Equal(t, 2, js.TotalTasks)
	assert.Equal(t, 0, js.CompletedTasks)
	assert.Equal(t, 0, js.JobProgress)
	for key, ts := range js.Tasks {
		assert.Equal(t, TaskStatusCreated, ts.Status)
		assert.Equal(t, TaskID("job-1", key), ts.TaskID)
		assert.Equal(t, "job-1", ts.JobID)
	}
}

func TestRecomputeAggregate(t *testing.T) {
	now := time.Now()
	js := NewJobState("job-1", testSpec(), now)

	js.Tasks["a"].Status = TaskStatusSucceeded
	js.Tasks["b"].Status = TaskStatusFailed
	js.RecomputeAggregate()

	assert.Equal(t, 1, js.SucceededTasks)
	assert.Equal(t, 1, js.FailedTasks)
	assert.Equal(t, 2, js.CompletedTasks)
	assert.Equal(t, 100, js.JobProgress)
	assert.Equal(t, js.CompletedTasks, js.SucceededTasks+js.FailedTasks+js.CancelledTasks)
}

func TestRecomputeAggregateEmpty(t *testing.T) {
	js := &JobState{Tasks: map[string]*TaskState{}}
	js.RecomputeAggregate()
	assert.Equal(t, 100, js.JobProgress)
}

func TestJobStateClone(t *testing.T) {
	now := time.Now()
	js := NewJobState("job-1", testSpec(), now)
	snapshot := js.Clone()

	js.Tasks["a"].Status = TaskStatusRunning
	js.Status = JobStatusRunning

	assert.Equal(t, TaskStatusCreated, snapshot.Tasks["a"].Status)
	assert.Equal(t, JobStatusCreated, snapshot.Status)
}

func TestTaskStateHistoryBounded(t *testing.T) {
	ts := &TaskState{}
	for i := 0; i < 150; i++ {
		ts.AppendHistory(time.Now(), "entry")
	}
	assert.Len(t, ts.History, 100)
}

func TestTaskStateHasRunsRemaining(t *testing.T) {
	ts := &TaskState{MaxRuns: 0, RunCount: 10}
	assert.True(t, ts.HasRunsRemaining())

	ts = &TaskState{MaxRuns: 3, RunCount: 2}
	assert.True(t, ts.HasRunsRemaining())

	ts.RunCount = 3
	assert.False(t, ts.HasRunsRemaining())
}

func TestScheduledJobStateRecentRing(t *testing.T) {
	s := NewScheduledJobState("sched-1", ScheduledJobSpec{
		JobTemplate:    testSpec(),
		CronExpression: "* * * * *",
	}, time.Now())

	for i := 0; i < 60; i++ {
		s.RecordSpawn("job", time.Now())
	}
	assert.Len(t, s.RecentJobIDs, 50)
	assert.Equal(t, 60, s.RunCount)
	assert.Equal(t, "job", s.LastJobID)
}

func TestParseTaskStatus(t *testing.T) {
	for _, status := range []TaskStatus{
		TaskStatusCreated, TaskStatusQueued, TaskStatusRunning, TaskStatusPaused,
		TaskStatusScheduled, TaskStatusCancelling, TaskStatusCancelled,
		TaskStatusSucceeded, TaskStatusFailed,
	} {
		parsed, ok := ParseTaskStatus(status.String())
		require.True(t, ok, status.String())
		assert.Equal(t, status, parsed)
	}
	_, ok := ParseTaskStatus("bogus")
	assert.False(t, ok)
}
