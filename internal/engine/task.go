package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmill-org/flowmill/internal/backoff"
	"github.com/flowmill-org/flowmill/internal/cronutil"
	"github.com/flowmill-org/flowmill/internal/eventbus"
	"github.com/flowmill-org/flowmill/internal/executor"
	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/pause"
	"github.com/flowmill-org/flowmill/internal/persistence"
)

// Task is the execution entity for one task of a job. It owns the
// canonical TaskState record; the job keeps a separate view updated from
// the events the task publishes on its channel.
type Task struct {
	id    string
	m     *Manager
	mu    sync.Mutex
	state *models.TaskState

	version int64
	loaded  bool

	gate       *pause.Gate
	runsCtx    context.Context
	runsCancel context.CancelFunc
	running    int

	sched     cron.Schedule
	loc       *time.Location
	cronTimer *time.Timer
	watchdog  *time.Timer

	ctrlSub *eventbus.Subscription[models.ControlSignal]
}

func newTask(id string, m *Manager) *Task {
	return &Task{id: id, m: m, gate: pause.NewGate()}
}

func (t *Task) key() string { return taskKeyPrefix + t.id }

func (t *Task) hydrate(ctx context.Context) {
	if t.loaded {
		return
	}
	t.loaded = true
	state, version, err := persistence.Load[models.TaskState](ctx, t.m.store, t.key())
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			logger.Error(ctx, "Task state load failed", tag.Task(t.id), tag.Error(err))
		}
		return
	}
	t.state = state
	t.version = version
}

// Start transitions a Created task into execution. One-shot tasks are
// queued and run immediately; recurring tasks are armed on their cron
// schedule. Any other current status makes Start a no-op.
func (t *Task) Start(ctx context.Context, jobID, correlationID string, spec models.TaskSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	now := time.Now()
	if t.state == nil {
		t.state = models.NewTaskState(t.id, jobID, correlationID, spec, now)
		version, err := persistence.Create(ctx, t.m.store, t.key(), t.state.Clone())
		if err != nil && !errors.Is(err, persistence.ErrAlreadyExists) {
			return err
		}
		t.version = version
	}
	if t.state.Status != models.TaskStatusCreated {
		return nil
	}

	t.runsCtx, t.runsCancel = context.WithCancel(context.Background())
	t.subscribeControl()

	if !t.state.IsRecurring {
		t.state.Status = models.TaskStatusQueued
		t.state.AppendHistory(now, "queued")
		t.persist(ctx)
		t.emitStatus(now, models.TaskStatusQueued, 0)
		go t.runOnce(t.runsCtx)
		return nil
	}

	sched, loc, err := cronutil.Parse(t.state.CronExpression, t.state.CronTimezone)
	if err != nil {
		t.state.Status = models.TaskStatusFailed
		t.state.LastError = err.Error()
		t.state.CompletedAt = now
		t.persist(ctx)
		t.emitError(now, err, 0)
		return err
	}
	t.sched = sched
	t.loc = loc
	t.state.Status = models.TaskStatusScheduled
	t.state.AppendHistory(now, "scheduled")
	if t.armNextRun(ctx, true) {
		t.persist(ctx)
		t.emitStatus(now, models.TaskStatusScheduled, 0)
	}
	return nil
}

// armNextRun computes the next occurrence and arms the fire timer. The
// first occurrence never lands before NotBefore; an occurrence past
// NotAfter (or none at all) completes the schedule. Returns false when the
// task was finalized instead of armed. Caller holds the lock.
func (t *Task) armNextRun(ctx context.Context, first bool) bool {
	now := time.Now()
	base := now
	if first && t.state.NotBefore != nil && t.state.NotBefore.After(now) {
		base = *t.state.NotBefore
	}
	next := cronutil.Next(t.sched, t.loc, base)
	if next.IsZero() || (t.state.NotAfter != nil && next.After(*t.state.NotAfter)) {
		t.completeSchedule(ctx, now)
		return false
	}
	t.state.NextRunAt = next
	t.cronTimer = time.AfterFunc(time.Until(next), t.fire)
	return true
}

// completeSchedule finalizes a recurring task whose window or run budget
// is exhausted. The schedule having nothing left to do counts as success.
// Caller holds the lock.
func (t *Task) completeSchedule(ctx context.Context, now time.Time) {
	t.stopTimers()
	t.state.Status = models.TaskStatusSucceeded
	t.state.Progress = 100
	t.state.CompletedAt = now
	t.state.NextRunAt = time.Time{}
	t.state.AppendHistory(now, "schedule complete")
	t.persist(ctx)
	t.publish(models.ExecutionEvent{
		Type:          models.EventCompleted,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Message:       "schedule complete",
		Timestamp:     now,
		CorrelationID: t.state.CorrelationID,
		RunNumber:     t.state.RunCount,
	})
	t.m.metrics.TaskCompleted(models.TaskStatusSucceeded.String())
}

// fire is the cron timer callback for one occurrence of a recurring task.
func (t *Task) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return
	}
	ctx := context.Background()
	now := time.Now()

	// The timer that invoked us is spent; a non-nil cronTimer from here on
	// means another occurrence is pending.
	t.cronTimer = nil
	switch t.state.Status {
	case models.TaskStatusScheduled, models.TaskStatusRunning:
	default:
		// Paused, cancelling or terminal raced the timer. Re-arming is
		// Resume's job.
		return
	}
	if t.running > 0 && !t.state.AllowConcurrentRuns {
		// Previous run still going; skip this occurrence.
		t.state.AppendHistory(now, "occurrence skipped, previous run active")
		t.armNextRun(ctx, false)
		t.persist(ctx)
		return
	}
	if t.state.NotAfter != nil && now.After(*t.state.NotAfter) {
		t.completeSchedule(ctx, now)
		return
	}
	if !t.state.HasRunsRemaining() {
		t.completeSchedule(ctx, now)
		return
	}

	t.state.RunCount++
	runNumber := t.state.RunCount
	t.state.LastRunAt = now
	t.state.Status = models.TaskStatusRunning
	if t.state.StartedAt.IsZero() {
		t.state.StartedAt = now
	}
	t.state.Progress = 0
	t.state.AppendHistory(now, "run started")
	t.persist(ctx)
	t.emitStatus(now, models.TaskStatusRunning, runNumber)

	t.running++
	go t.executeRun(runNumber)

	// Overlapping runs need the next occurrence armed now, not when this
	// run settles.
	if t.state.AllowConcurrentRuns && t.state.HasRunsRemaining() {
		next := cronutil.Next(t.sched, t.loc, now)
		if !next.IsZero() && (t.state.NotAfter == nil || !next.After(*t.state.NotAfter)) {
			t.state.NextRunAt = next
			t.cronTimer = time.AfterFunc(time.Until(next), t.fire)
			t.persist(ctx)
		}
	}
}

// runOnce drives a one-shot task from Queued through its terminal status.
func (t *Task) runOnce(runsCtx context.Context) {
	for {
		if err := t.gate.Wait(runsCtx); err != nil {
			return
		}
		t.mu.Lock()
		if t.state == nil || t.state.Status.IsTerminal() || t.state.Status == models.TaskStatusCancelling {
			t.mu.Unlock()
			return
		}
		if t.state.Status == models.TaskStatusPaused {
			// Gate closed again between Wait and Lock; go around.
			t.mu.Unlock()
			continue
		}
		break
	}
	ctx := context.Background()
	now := time.Now()
	t.state.Status = models.TaskStatusRunning
	t.state.StartedAt = now
	t.state.AppendHistory(now, "run started")
	t.persist(ctx)
	t.emitStatus(now, models.TaskStatusRunning, 0)
	t.running++
	t.mu.Unlock()

	t.executeRun(0)
}

// executeRun validates and executes one run under the retry policy, then
// settles the outcome. runNumber is zero for one-shot tasks.
func (t *Task) executeRun(runNumber int) {
	t.mu.Lock()
	if t.state == nil {
		t.mu.Unlock()
		return
	}
	runsCtx := t.runsCtx
	exec, err := t.m.registry.Lookup(t.state.ExecutorType)
	policy := backoff.Policy{
		MaxAttempts:    t.state.MaxRetries + 1,
		BackoffSeconds: t.state.RetryBackoffSeconds,
	}
	run := t.newRun(runNumber)
	t.mu.Unlock()

	execErr := err
	if execErr == nil {
		execErr = exec.Validate(runsCtx, run)
	}
	if execErr == nil {
		execErr = backoff.Retry(runsCtx, func(ctx context.Context, attempt int) error {
			t.noteAttempt(attempt)
			if err := t.gate.Wait(ctx); err != nil {
				return err
			}
			return exec.Execute(ctx, run)
		}, policy)
	}
	t.finishRun(exec, run, execErr, runNumber)
}

// newRun binds the executor callbacks to this entity. Caller holds the
// lock.
func (t *Task) newRun(runNumber int) *executor.Run {
	return &executor.Run{
		JobID:         t.state.JobID,
		TaskID:        t.id,
		CorrelationID: t.state.CorrelationID,
		Command:       t.state.Command,
		RunNumber:     runNumber,
		ProgressFn: func(pct int, message string) {
			t.reportProgress(pct, message, runNumber)
		},
		TelemetryFn: func(evt models.ExecutionEvent) {
			t.emitTelemetry(evt)
		},
		OutputFn: func(output string) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.state != nil {
				t.state.LastOutput = output
			}
		},
		SaveFn: func(ctx context.Context) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.persist(ctx)
		},
		PauseWaitFn: t.gate.Wait,
	}
}

func (t *Task) reportProgress(pct int, message string, runNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	now := time.Now()
	t.state.Progress = pct
	if message != "" {
		t.state.AppendHistory(now, message)
	}
	t.publish(models.ExecutionEvent{
		Type:          models.EventProgress,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Message:       message,
		Progress:      &pct,
		Timestamp:     now,
		CorrelationID: t.state.CorrelationID,
		RunNumber:     runNumber,
	})
}

func (t *Task) noteAttempt(attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return
	}
	t.state.Attempts = attempt
	if attempt > 1 {
		t.state.AppendHistory(time.Now(), "retrying")
		t.m.metrics.TaskRetried()
	}
}

// finishRun settles the outcome of one run: terminal status for one-shot
// tasks, reschedule or completion for recurring ones. Cancellation is
// never treated as failure.
func (t *Task) finishRun(exec executor.Executor, run *executor.Run, execErr error, runNumber int) {
	ctx := context.Background()
	t.mu.Lock()
	if t.running > 0 {
		t.running--
	}
	if t.state == nil || t.state.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	cancelled := t.state.Status == models.TaskStatusCancelling ||
		errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded)

	if cancelled {
		t.settleCancelled(ctx, now)
		t.mu.Unlock()
		return
	}

	if t.state.IsRecurring {
		t.settleRecurringRun(ctx, now, execErr, runNumber)
		t.mu.Unlock()
		return
	}

	if execErr != nil {
		t.state.Status = models.TaskStatusFailed
		t.state.LastError = execErr.Error()
		t.state.CompletedAt = now
		t.state.AppendHistory(now, "failed: "+execErr.Error())
		t.persist(ctx)
		t.emitError(now, execErr, runNumber)
		t.m.metrics.TaskCompleted(models.TaskStatusFailed.String())
		t.mu.Unlock()
		safeOnError(ctx, exec, run, execErr)
		return
	}

	t.state.Status = models.TaskStatusSucceeded
	t.state.Progress = 100
	t.state.LastError = ""
	t.state.CompletedAt = now
	t.state.AppendHistory(now, "succeeded")
	t.persist(ctx)
	t.publish(models.ExecutionEvent{
		Type:          models.EventCompleted,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Timestamp:     now,
		CorrelationID: t.state.CorrelationID,
		RunNumber:     runNumber,
	})
	t.m.metrics.TaskCompleted(models.TaskStatusSucceeded.String())
	t.mu.Unlock()
	safeOnCompleted(ctx, exec, run)
}

// settleRecurringRun records one occurrence's outcome and either arms the
// next occurrence or completes the schedule. An error never terminates a
// recurring task; it is recorded and the schedule keeps going. Caller
// holds the lock.
func (t *Task) settleRecurringRun(ctx context.Context, now time.Time, execErr error, runNumber int) {
	if execErr != nil {
		t.state.LastError = execErr.Error()
		t.state.AppendHistory(now, "run failed: "+execErr.Error())
		t.emitError(now, execErr, runNumber)
	} else {
		t.state.LastError = ""
		t.state.AppendHistory(now, "run succeeded")
	}

	// Concurrent runs may still be active, or another occurrence may
	// already be armed; the entity stays Running until the last one
	// settles.
	if t.running > 0 {
		t.persist(ctx)
		return
	}

	// A pause that landed mid-run parks here. The run is over, so the
	// status to restore is Scheduled; Resume re-arms the timer.
	if t.state.Status == models.TaskStatusPaused {
		t.state.PausedFrom = models.TaskStatusScheduled
		t.state.Progress = 0
		t.persist(ctx)
		return
	}

	if !t.state.HasRunsRemaining() {
		t.completeSchedule(ctx, now)
		return
	}

	t.state.Status = models.TaskStatusScheduled
	t.state.Progress = 0
	if t.cronTimer == nil {
		if !t.armNextRun(ctx, false) {
			return
		}
	}
	t.persist(ctx)
	if execErr == nil {
		t.publish(models.ExecutionEvent{
			Type:          models.EventCompleted,
			JobID:         t.state.JobID,
			TaskID:        t.id,
			Timestamp:     now,
			CorrelationID: t.state.CorrelationID,
			RunNumber:     runNumber,
			NextRunAt:     t.state.NextRunAt,
		})
	} else {
		t.emitStatus(now, models.TaskStatusScheduled, runNumber)
	}
}

// settleCancelled finishes cancellation once the run has unwound. Caller
// holds the lock.
func (t *Task) settleCancelled(ctx context.Context, now time.Time) {
	t.stopTimers()
	t.state.Status = models.TaskStatusCancelled
	t.state.CompletedAt = now
	t.state.NextRunAt = time.Time{}
	t.state.AppendHistory(now, "cancelled")
	t.persist(ctx)
	t.emitStatus(now, models.TaskStatusCancelled, 0)
	t.m.metrics.TaskCompleted(models.TaskStatusCancelled.String())
}

// Pause closes the pause gate and remembers the status to restore.
// Terminal and cancelling tasks ignore it.
func (t *Task) Pause(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	if t.state == nil || t.state.Status.IsTerminal() ||
		t.state.Status == models.TaskStatusCancelling ||
		t.state.Status == models.TaskStatusPaused {
		return nil
	}
	if t.state.Status == models.TaskStatusScheduled {
		t.stopCronTimer()
	}
	now := time.Now()
	t.state.PausedFrom = t.state.Status
	t.state.Status = models.TaskStatusPaused
	t.state.AppendHistory(now, "paused")
	t.gate.Pause()
	t.persist(ctx)
	t.emitStatus(now, models.TaskStatusPaused, 0)
	return nil
}

// Resume reopens the gate and restores the pre-pause status. A paused
// recurring task is re-armed on its schedule.
func (t *Task) Resume(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	if t.state == nil || t.state.Status != models.TaskStatusPaused {
		return nil
	}
	restored := t.state.PausedFrom
	if restored == models.TaskStatusNone || restored == models.TaskStatusPaused {
		restored = models.TaskStatusRunning
	}
	now := time.Now()
	t.state.Status = restored
	t.state.PausedFrom = models.TaskStatusNone
	t.state.AppendHistory(now, "resumed")
	t.gate.Resume()
	if restored == models.TaskStatusScheduled {
		if !t.armNextRun(ctx, false) {
			return nil
		}
	}
	t.persist(ctx)
	t.emitStatus(now, restored, 0)
	return nil
}

// Cancel requests termination. Tasks that never started executing go
// straight to Cancelled; active ones enter Cancelling, get their run
// context cancelled, and a watchdog forces Cancelled if the executor does
// not unwind in time.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	if t.state == nil || t.state.Status.IsTerminal() ||
		t.state.Status == models.TaskStatusCancelling {
		return nil
	}
	now := time.Now()

	idle := t.state.Status == models.TaskStatusCreated ||
		t.state.Status == models.TaskStatusScheduled ||
		(t.state.Status == models.TaskStatusPaused && t.running == 0) ||
		(t.state.Status == models.TaskStatusQueued && t.running == 0)
	if idle {
		if t.runsCancel != nil {
			t.runsCancel()
		}
		t.gate.Resume()
		t.settleCancelled(ctx, now)
		return nil
	}

	t.state.Status = models.TaskStatusCancelling
	t.state.AppendHistory(now, "cancelling")
	if t.runsCancel != nil {
		t.runsCancel()
	}
	// Unblock any executor parked at a pause checkpoint so it can observe
	// the cancelled context.
	t.gate.Resume()
	if t.watchdog == nil {
		t.watchdog = time.AfterFunc(t.m.cancelWatchdog, t.forceCancel)
	}
	t.persist(ctx)
	t.emitStatus(now, models.TaskStatusCancelling, 0)
	return nil
}

// forceCancel is the cancellation watchdog. An executor that has not
// unwound by the deadline is abandoned and the task is marked Cancelled
// anyway.
func (t *Task) forceCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil || t.state.Status != models.TaskStatusCancelling {
		return
	}
	ctx := context.Background()
	logger.Warn(ctx, "Cancellation watchdog fired", tag.Task(t.id))
	t.settleCancelled(ctx, time.Now())
}

// GetState returns a snapshot of the task record, or nil when none exists.
func (t *Task) GetState(ctx context.Context) *models.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	if t.state == nil {
		return nil
	}
	return t.state.Clone()
}

// Flush persists the current state and publishes a flush marker.
func (t *Task) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	if t.state == nil {
		return persistence.ErrNotFound
	}
	t.persist(ctx)
	t.publish(models.ExecutionEvent{
		Type:          models.EventFlushed,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Timestamp:     time.Now(),
		CorrelationID: t.state.CorrelationID,
	})
	return nil
}

// EmitTelemetry publishes a custom event on the task channel with the
// identity fields stamped in.
func (t *Task) EmitTelemetry(ctx context.Context, evt models.ExecutionEvent) error {
	t.mu.Lock()
	t.hydrate(ctx)
	if t.state == nil {
		t.mu.Unlock()
		return persistence.ErrNotFound
	}
	t.mu.Unlock()
	t.emitTelemetry(evt)
	return nil
}

// Delete tears the entity down: timers stopped, run context cancelled,
// channels closed, record removed.
func (t *Task) Delete(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hydrate(ctx)
	t.stopTimers()
	if t.runsCancel != nil {
		t.runsCancel()
	}
	t.gate.Resume()
	if t.ctrlSub != nil {
		t.m.control.Unsubscribe(t.ctrlSub)
		t.ctrlSub = nil
	}
	t.m.events.Close(t.id)
	t.state = nil
	if err := t.m.store.Delete(ctx, t.key()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	return nil
}

// subscribeControl wires the out-of-band control channel. Signals are
// applied on the subscription's drain goroutine. Caller holds the lock.
func (t *Task) subscribeControl() {
	if t.ctrlSub != nil {
		return
	}
	t.ctrlSub = t.m.control.Subscribe(t.id, eventbus.Handler[models.ControlSignal]{
		OnEvent: func(sig models.ControlSignal) {
			ctx := context.Background()
			switch sig {
			case models.ControlPause:
				_ = t.Pause(ctx)
			case models.ControlResume:
				_ = t.Resume(ctx)
			case models.ControlCancel:
				_ = t.Cancel(ctx)
			}
		},
	})
}

func (t *Task) stopCronTimer() {
	if t.cronTimer != nil {
		t.cronTimer.Stop()
		t.cronTimer = nil
	}
}

func (t *Task) stopTimers() {
	t.stopCronTimer()
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

// persist writes the current state through the optimistic-concurrency
// helper. Write errors are logged, not surfaced; the in-memory entity
// remains authoritative. Caller holds the lock.
func (t *Task) persist(ctx context.Context) {
	if t.state == nil {
		return
	}
	if err := persistence.Save(ctx, t.m.store, t.key(), t.state.Clone(), &t.version); err != nil {
		logger.Error(ctx, "Task state write failed", tag.Task(t.id), tag.Error(err))
	}
}

func (t *Task) publish(evt models.ExecutionEvent) {
	t.m.events.Publish(t.id, evt)
}

func (t *Task) emitStatus(now time.Time, status models.TaskStatus, runNumber int) {
	t.publish(models.ExecutionEvent{
		Type:          models.EventStatusChanged,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Message:       status.String(),
		Timestamp:     now,
		CorrelationID: t.state.CorrelationID,
		RunNumber:     runNumber,
	})
}

func (t *Task) emitError(now time.Time, execErr error, runNumber int) {
	t.publish(models.ExecutionEvent{
		Type:          models.EventError,
		JobID:         t.state.JobID,
		TaskID:        t.id,
		Message:       "task failed",
		ExceptionText: execErr.Error(),
		Timestamp:     now,
		CorrelationID: t.state.CorrelationID,
		RunNumber:     runNumber,
	})
}

// emitTelemetry routes an executor's custom event to the task channel,
// stamping identity fields the executor may have left blank.
func (t *Task) emitTelemetry(evt models.ExecutionEvent) {
	t.mu.Lock()
	if t.state == nil {
		t.mu.Unlock()
		return
	}
	evt.Type = models.EventCustom
	evt.JobID = t.state.JobID
	evt.TaskID = t.id
	if evt.CorrelationID == "" {
		evt.CorrelationID = t.state.CorrelationID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	t.mu.Unlock()
	t.publish(evt)
}

func safeOnError(ctx context.Context, exec executor.Executor, run *executor.Run, execErr error) {
	if exec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Executor OnError panicked", tag.Task(run.TaskID))
		}
	}()
	exec.OnError(ctx, run, execErr)
}

func safeOnCompleted(ctx context.Context, exec executor.Executor, run *executor.Run) {
	if exec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Executor OnCompleted panicked", tag.Task(run.TaskID))
		}
	}()
	exec.OnCompleted(ctx, run)
}
