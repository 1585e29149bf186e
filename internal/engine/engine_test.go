package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/engine"
	"github.com/flowmill-org/flowmill/internal/eventbus"
	"github.com/flowmill-org/flowmill/internal/executor"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/persistence/memstore"
)

const waitTimeout = 5 * time.Second

type stubExecutor struct {
	typ        string
	validateFn func(ctx context.Context, run *executor.Run) error
	executeFn  func(ctx context.Context, run *executor.Run) error
}

func (s *stubExecutor) Type() string { return s.typ }

func (s *stubExecutor) Validate(ctx context.Context, run *executor.Run) error {
	if s.validateFn != nil {
		return s.validateFn(ctx, run)
	}
	return nil
}

func (s *stubExecutor) Execute(ctx context.Context, run *executor.Run) error {
	if s.executeFn != nil {
		return s.executeFn(ctx, run)
	}
	return nil
}

func (s *stubExecutor) OnError(ctx context.Context, run *executor.Run, execErr error) {}
func (s *stubExecutor) OnCompleted(ctx context.Context, run *executor.Run)           {}

func newTestManager(t *testing.T, execs ...executor.Executor) *engine.Manager {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(&stubExecutor{typ: "noop"})
	for _, e := range execs {
		reg.Register(e)
	}
	return engine.New(engine.Config{
		Store:            memstore.New(),
		Registry:         reg,
		TickInterval:     10 * time.Millisecond,
		SnapshotInterval: 10 * time.Millisecond,
		CancelWatchdog:   250 * time.Millisecond,
	})
}

func oneTask(key string, spec models.TaskSpec) models.JobSpec {
	return models.JobSpec{
		Name:           "test-job",
		MaxParallelism: 4,
		Tasks:          map[string]models.TaskSpec{key: spec},
	}
}

func waitJobStatus(t *testing.T, job *engine.Job, want models.JobStatus) *models.JobState {
	t.Helper()
	ctx := context.Background()
	var got *models.JobState
	require.Eventually(t, func() bool {
		got = job.GetState(ctx)
		return got != nil && got.Status == want
	}, waitTimeout, 10*time.Millisecond, "job never reached %s", want)
	return got
}

func TestJobSubmitRejectsCycle(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("cyclic")
	spec := models.JobSpec{
		Name:           "cyclic",
		MaxParallelism: 1,
		Tasks: map[string]models.TaskSpec{
			"a": {ExecutorType: "noop", DependsOn: []string{"b"}},
			"b": {ExecutorType: "noop", DependsOn: []string{"a"}},
		},
	}
	err := job.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
	assert.Nil(t, job.GetState(context.Background()), "rejected submit must persist nothing")
}

func TestJobSubmitRejectsUnknownExecutor(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("unknown-exec")
	err := job.Submit(context.Background(), oneTask("a", models.TaskSpec{ExecutorType: "nope"}))
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestJobSubmitRejectsBadCron(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("bad-cron")
	err := job.Submit(context.Background(), oneTask("a", models.TaskSpec{
		ExecutorType:   "noop",
		CronExpression: "not a cron",
	}))
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

func TestJobSubmitTwice(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("dup")
	spec := oneTask("a", models.TaskSpec{ExecutorType: "noop"})
	require.NoError(t, job.Submit(context.Background(), spec))
	err := job.Submit(context.Background(), spec)
	require.ErrorIs(t, err, engine.ErrAlreadySubmitted)
}

func TestJobRunsChainInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := &stubExecutor{
		typ: "record",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			mu.Lock()
			order = append(order, run.Command)
			mu.Unlock()
			return nil
		},
	}
	m := newTestManager(t, record)
	job := m.Job("chain")
	spec := models.JobSpec{
		Name:           "chain",
		MaxParallelism: 4,
		Tasks: map[string]models.TaskSpec{
			"a": {ExecutorType: "record", Command: "a"},
			"b": {ExecutorType: "record", Command: "b", DependsOn: []string{"a"}},
			"c": {ExecutorType: "record", Command: "c", DependsOn: []string{"b"}},
		},
	}
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, spec))
	require.NoError(t, job.Start(ctx))

	st := waitJobStatus(t, job, models.JobStatusSucceeded)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 3, st.SucceededTasks)
	assert.Equal(t, 3, st.CompletedTasks)
	assert.Equal(t, 100, st.JobProgress)
	for _, view := range st.Tasks {
		assert.Equal(t, models.TaskStatusSucceeded, view.Status)
	}
}

func TestJobParallelismCap(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	slow := &stubExecutor{
		typ: "slow",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		},
	}
	m := newTestManager(t, slow)
	job := m.Job("capped")
	tasks := make(map[string]models.TaskSpec)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		tasks[key] = models.TaskSpec{ExecutorType: "slow"}
	}
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, models.JobSpec{Name: "capped", MaxParallelism: 2, Tasks: tasks}))
	require.NoError(t, job.Start(ctx))
	waitJobStatus(t, job, models.JobStatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestJobFailurePropagatesToDependents(t *testing.T) {
	boom := &stubExecutor{
		typ: "boom",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			return errors.New("boom")
		},
	}
	m := newTestManager(t, boom)
	job := m.Job("failing")
	spec := models.JobSpec{
		Name:           "failing",
		MaxParallelism: 2,
		Tasks: map[string]models.TaskSpec{
			"a": {ExecutorType: "boom"},
			"b": {ExecutorType: "noop", DependsOn: []string{"a"}},
		},
	}
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, spec))
	require.NoError(t, job.Start(ctx))

	st := waitJobStatus(t, job, models.JobStatusFailed)
	assert.Equal(t, models.TaskStatusFailed, st.Tasks["a"].Status)
	assert.Equal(t, "boom", st.Tasks["a"].LastError)
	assert.Equal(t, models.TaskStatusCancelled, st.Tasks["b"].Status)
}

func TestJobRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := &stubExecutor{
		typ: "flaky",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}
	m := newTestManager(t, flaky)
	job := m.Job("retrying")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{
		ExecutorType: "flaky",
		MaxRetries:   3,
	})))
	require.NoError(t, job.Start(ctx))

	st := waitJobStatus(t, job, models.JobStatusSucceeded)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
	assert.Equal(t, models.TaskStatusSucceeded, st.Tasks["a"].Status)
}

func TestJobExhaustedRetriesFail(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	boom := &stubExecutor{
		typ: "always-boom",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("permanent")
		},
	}
	m := newTestManager(t, boom)
	job := m.Job("exhausted")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{
		ExecutorType: "always-boom",
		MaxRetries:   2,
	})))
	require.NoError(t, job.Start(ctx))

	st := waitJobStatus(t, job, models.JobStatusFailed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls, "max retries 2 means three attempts")
	assert.Equal(t, "permanent", st.Tasks["a"].LastError)
}

func TestJobPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	stepper := &stubExecutor{
		typ: "stepper",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			once.Do(func() { close(release) })
			for i := 1; i <= 5; i++ {
				if err := run.WaitIfPaused(ctx); err != nil {
					return err
				}
				run.ReportProgress(i*20, "")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			return nil
		},
	}
	m := newTestManager(t, stepper)
	job := m.Job("pausable")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "stepper"})))
	require.NoError(t, job.Start(ctx))

	<-release
	require.NoError(t, job.Pause(ctx))
	st := waitJobStatus(t, job, models.JobStatusPaused)
	require.Eventually(t, func() bool {
		st = job.GetState(ctx)
		return st.Tasks["a"].Status == models.TaskStatusPaused
	}, waitTimeout, 10*time.Millisecond)

	// Progress must hold still while paused. Let any in-flight step
	// finish reporting before sampling.
	time.Sleep(50 * time.Millisecond)
	before := job.GetState(ctx).Tasks["a"].Progress
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, job.GetState(ctx).Tasks["a"].Progress)

	require.NoError(t, job.Resume(ctx))
	st = waitJobStatus(t, job, models.JobStatusSucceeded)
	assert.Equal(t, 100, st.Tasks["a"].Progress)
}

func TestJobStartWhilePausedResumes(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	stepper := &stubExecutor{
		typ: "stepper",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			once.Do(func() { close(release) })
			for i := 1; i <= 5; i++ {
				if err := run.WaitIfPaused(ctx); err != nil {
					return err
				}
				run.ReportProgress(i*20, "")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			return nil
		},
	}
	m := newTestManager(t, stepper)
	job := m.Job("restartable")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "stepper"})))
	require.NoError(t, job.Start(ctx))

	<-release
	require.NoError(t, job.Pause(ctx))
	waitJobStatus(t, job, models.JobStatusPaused)
	require.Eventually(t, func() bool {
		return job.GetState(ctx).Tasks["a"].Status == models.TaskStatusPaused
	}, waitTimeout, 10*time.Millisecond)

	// Start on a paused job must behave like Resume: gates reopen and the
	// job runs to completion.
	require.NoError(t, job.Start(ctx))
	st := waitJobStatus(t, job, models.JobStatusSucceeded)
	assert.Equal(t, 100, st.Tasks["a"].Progress)
}

func TestJobCancelMarksTasksCancelledNotFailed(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	hang := &stubExecutor{
		typ: "hang",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		},
	}
	m := newTestManager(t, hang)
	job := m.Job("cancellable")
	spec := models.JobSpec{
		Name:           "cancellable",
		MaxParallelism: 2,
		Tasks: map[string]models.TaskSpec{
			"a": {ExecutorType: "hang"},
			"b": {ExecutorType: "noop", DependsOn: []string{"a"}},
		},
	}
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, spec))
	require.NoError(t, job.Start(ctx))

	<-started
	require.NoError(t, job.Cancel(ctx))
	st := waitJobStatus(t, job, models.JobStatusCancelled)
	assert.Equal(t, models.TaskStatusCancelled, st.Tasks["a"].Status)
	assert.Equal(t, models.TaskStatusCancelled, st.Tasks["b"].Status)
	assert.Zero(t, st.FailedTasks, "cancellation must not count as failure")
}

func TestCancelWatchdogForcesTermination(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	stubborn := &stubExecutor{
		typ: "stubborn",
		executeFn: func(ctx context.Context, run *executor.Run) error {
			once.Do(func() { close(started) })
			// Ignores the context entirely.
			time.Sleep(10 * time.Second)
			return nil
		},
	}
	m := newTestManager(t, stubborn)
	job := m.Job("stubborn-job")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "stubborn"})))
	require.NoError(t, job.Start(ctx))

	<-started
	begin := time.Now()
	require.NoError(t, job.Cancel(ctx))
	st := waitJobStatus(t, job, models.JobStatusCancelled)
	assert.Less(t, time.Since(begin), 2*time.Second, "watchdog must bound cancellation latency")
	assert.Equal(t, models.TaskStatusCancelled, st.Tasks["a"].Status)
}

func TestJobSnapshotStream(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("snapshotted")
	ctx := context.Background()

	var mu sync.Mutex
	var snapshots []models.ExecutionEvent
	sub := m.Events().Subscribe("snapshotted", eventbus.Handler[models.ExecutionEvent]{
		OnEvent: func(evt models.ExecutionEvent) {
			if evt.Type == models.EventJobSnapshot {
				mu.Lock()
				snapshots = append(snapshots, evt)
				mu.Unlock()
			}
		},
	})
	defer m.Events().Unsubscribe(sub)

	require.NoError(t, job.Submit(ctx, models.JobSpec{
		Name:           "snapshotted",
		MaxParallelism: 2,
		Tasks: map[string]models.TaskSpec{
			"a": {ExecutorType: "noop"},
			"b": {ExecutorType: "noop", DependsOn: []string{"a"}},
		},
	}))
	require.NoError(t, job.Start(ctx))
	waitJobStatus(t, job, models.JobStatusSucceeded)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return false
		}
		last := snapshots[len(snapshots)-1]
		return last.JobProgress == 100 && last.SucceededTasks == 2
	}, waitTimeout, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, snap := range snapshots {
		assert.Equal(t, 2, snap.TotalTasks)
		assert.Equal(t, snap.SucceededTasks+snap.FailedTasks+snap.CancelledTasks, snap.CompletedTasks)
	}
}

func TestJobFlushEmitsMarker(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("flushed")
	ctx := context.Background()

	flushed := make(chan struct{}, 1)
	sub := m.Events().Subscribe("flushed", eventbus.Handler[models.ExecutionEvent]{
		OnEvent: func(evt models.ExecutionEvent) {
			if evt.Type == models.EventFlushed {
				select {
				case flushed <- struct{}{}:
				default:
				}
			}
		},
	})
	defer m.Events().Unsubscribe(sub)

	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "noop"})))
	require.NoError(t, job.Flush(ctx))
	select {
	case <-flushed:
	case <-time.After(waitTimeout):
		t.Fatal("flush marker never arrived")
	}
}

func TestJobDeleteRemovesEverything(t *testing.T) {
	m := newTestManager(t)
	job := m.Job("deletable")
	ctx := context.Background()
	require.NoError(t, job.Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "noop"})))
	require.NoError(t, job.Start(ctx))
	waitJobStatus(t, job, models.JobStatusSucceeded)

	require.NoError(t, job.Delete(ctx))
	assert.Nil(t, job.GetState(ctx))
	ids, err := m.ListJobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManagerListJobIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	for _, id := range []string{"one", "two"} {
		require.NoError(t, m.Job(id).Submit(ctx, oneTask("a", models.TaskSpec{ExecutorType: "noop"})))
	}
	ids, err := m.ListJobIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, ids)
}

type captureSink struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (c *captureSink) Emit(ctx context.Context, evt models.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func TestJobTelemetryRoutesToNamedSink(t *testing.T) {
	m := newTestManager(t)
	sink := &captureSink{}
	m.RegisterTelemetrySink("capture", sink)

	job := m.Job("telemetered")
	ctx := context.Background()
	spec := oneTask("a", models.TaskSpec{ExecutorType: "noop"})
	spec.TelemetryProvider = "capture"
	require.NoError(t, job.Submit(ctx, spec))
	require.NoError(t, job.EmitTelemetry(ctx, models.ExecutionEvent{Message: "custom-metric"}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, models.EventCustom, sink.events[0].Type)
	assert.Equal(t, "custom-metric", sink.events[0].Message)
	assert.Equal(t, "telemetered", sink.events[0].JobID)
}
