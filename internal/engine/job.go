package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/flowmill-org/flowmill/internal/eventbus"
	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/persistence"
)

// Job is the scheduling entity for one submitted DAG. It owns the JobState
// record, including its own view of every task's status, and drives task
// starts from a periodic tick. The view is updated only from the events
// the task entities publish, never by reading their state directly.
type Job struct {
	id    string
	m     *Manager
	mu    sync.Mutex
	state *models.JobState

	version int64
	loaded  bool

	tasks        map[string]*Task
	taskSubs     map[string]*eventbus.Subscription[models.ExecutionEvent]
	tickStop     context.CancelFunc
	lastSnapshot time.Time
}

func newJob(id string, m *Manager) *Job {
	return &Job{
		id:       id,
		m:        m,
		tasks:    make(map[string]*Task),
		taskSubs: make(map[string]*eventbus.Subscription[models.ExecutionEvent]),
	}
}

func (j *Job) key() string { return jobKeyPrefix + j.id }

func (j *Job) hydrate(ctx context.Context) {
	if j.loaded {
		return
	}
	j.loaded = true
	state, version, err := persistence.Load[models.JobState](ctx, j.m.store, j.key())
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			logger.Error(ctx, "Job state load failed", tag.Job(j.id), tag.Error(err))
		}
		return
	}
	j.state = state
	j.version = version
	for key, view := range state.Tasks {
		j.tasks[key] = newTask(models.TaskID(j.id, key), j.m)
		// Tasks that were already dispatched keep publishing after a
		// restart; resubscribe so the view converges again.
		if view.Status != models.TaskStatusCreated && !view.Status.IsTerminal() {
			j.subscribeTask(key)
		}
	}
}

// Submit validates the spec and seeds the durable records: the job state
// with one view entry per task, plus one canonical record per task entity.
// Validation failures leave nothing behind.
func (j *Job) Submit(ctx context.Context, spec models.JobSpec) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state != nil {
		return ErrAlreadySubmitted
	}
	if err := j.m.validateJobSpec(spec); err != nil {
		return err
	}
	now := time.Now()
	state := models.NewJobState(j.id, spec, now)
	version, err := persistence.Create(ctx, j.m.store, j.key(), state.Clone())
	if err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			return ErrAlreadySubmitted
		}
		return err
	}
	j.state = state
	j.version = version
	for key, view := range state.Tasks {
		j.tasks[key] = newTask(view.TaskID, j.m)
		if _, err := persistence.Create(ctx, j.m.store, taskKeyPrefix+view.TaskID, view.Clone()); err != nil &&
			!errors.Is(err, persistence.ErrAlreadyExists) {
			logger.Error(ctx, "Task seed write failed", tag.Task(view.TaskID), tag.Error(err))
		}
	}
	j.m.metrics.JobSubmitted()
	j.emitStatus(now, models.JobStatusCreated)
	j.refreshSnapshot(ctx, true)
	logger.Info(ctx, "Job submitted", tag.Job(j.id), "tasks", len(state.Tasks))
	return nil
}

// Start arms the scheduler tick. Starting a running job is a no-op;
// terminal jobs stay terminal.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil {
		return persistence.ErrNotFound
	}
	if j.state.Status == models.JobStatusRunning || j.state.Status.IsTerminal() ||
		j.state.Status == models.JobStatusCancelling {
		return nil
	}
	if j.state.Status == models.JobStatusPaused {
		// Starting a paused job must reopen the task gates, or their next
		// checkpoint blocks forever.
		j.resumeLocked(ctx)
		return nil
	}
	now := time.Now()
	j.state.Status = models.JobStatusRunning
	if j.state.StartedAt.IsZero() {
		j.state.StartedAt = now
	}
	j.persist(ctx)
	j.emitStatus(now, models.JobStatusRunning)
	j.armTick()
	return nil
}

// armTick starts the periodic scheduler goroutine. Caller holds the lock.
func (j *Job) armTick() {
	if j.tickStop != nil {
		return
	}
	tickCtx, cancel := context.WithCancel(context.Background())
	j.tickStop = cancel
	go func() {
		j.tick(tickCtx)
		ticker := time.NewTicker(j.m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				j.tick(tickCtx)
			}
		}
	}()
}

func (j *Job) disarmTick() {
	if j.tickStop != nil {
		j.tickStop()
		j.tickStop = nil
	}
}

// tick is one scheduler pass: dispatch ready tasks up to the parallelism
// cap, then try to finalize.
func (j *Job) tick(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == nil || j.state.Status != models.JobStatusRunning {
		return
	}

	running := 0
	for _, view := range j.state.Tasks {
		switch view.Status {
		case models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusCancelling:
			running++
		}
	}

	// Sorted keys keep dispatch order deterministic across ticks.
	keys := make([]string, 0, len(j.state.Tasks))
	for key := range j.state.Tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		view := j.state.Tasks[key]
		if view.Status != models.TaskStatusCreated {
			continue
		}
		if j.state.MaxParallelism > 0 && running >= j.state.MaxParallelism {
			break
		}
		// Doomed dependencies are checked first: a Failed or Cancelled
		// dependency also fails the satisfied check, and the task must
		// terminalize rather than wait forever.
		if j.depsDoomed(view) {
			now := time.Now()
			view.Status = models.TaskStatusCancelled
			view.CompletedAt = now
			view.LastError = "upstream dependency did not succeed"
			j.publishTaskEvent(models.ExecutionEvent{
				Type:          models.EventStatusChanged,
				JobID:         j.id,
				TaskID:        view.TaskID,
				Message:       models.TaskStatusCancelled.String(),
				Timestamp:     now,
				CorrelationID: j.state.CorrelationID,
			})
			if task := j.tasks[key]; task != nil {
				_ = task.Cancel(ctx)
			}
			continue
		}
		if !j.depsSatisfied(view) {
			continue
		}

		j.dispatch(ctx, key, view)
		running++
	}

	j.refreshSnapshot(ctx, true)
	j.tryFinalize(ctx)
}

// depsSatisfied reports whether every dependency of the view has
// succeeded. Recurring dependencies count once they are past their first
// completed run. Caller holds the lock.
func (j *Job) depsSatisfied(view *models.TaskState) bool {
	for _, dep := range view.DependsOn {
		depView, ok := j.state.Tasks[dep]
		if !ok {
			return false
		}
		switch depView.Status {
		case models.TaskStatusSucceeded:
		case models.TaskStatusScheduled:
			if depView.RunCount == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// depsDoomed reports whether some dependency already terminalized without
// success. Caller holds the lock.
func (j *Job) depsDoomed(view *models.TaskState) bool {
	for _, dep := range view.DependsOn {
		depView, ok := j.state.Tasks[dep]
		if !ok {
			continue
		}
		switch depView.Status {
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			return true
		}
	}
	return false
}

// dispatch starts one task entity and marks the view accordingly. Caller
// holds the lock.
func (j *Job) dispatch(ctx context.Context, key string, view *models.TaskState) {
	task := j.tasks[key]
	if task == nil {
		task = newTask(view.TaskID, j.m)
		j.tasks[key] = task
	}
	j.subscribeTask(key)
	spec := view.Spec()
	if spec.IsRecurring() {
		view.Status = models.TaskStatusScheduled
	} else {
		view.Status = models.TaskStatusQueued
	}
	correlationID := j.state.CorrelationID
	go func() {
		// Detached from the tick context so a disarm cannot abort an
		// in-flight start.
		startCtx := context.Background()
		if err := task.Start(startCtx, j.id, correlationID, spec); err != nil {
			logger.Error(startCtx, "Task start failed", tag.Task(view.TaskID), tag.Error(err))
		}
	}()
}

// subscribeTask wires the task's event channel into the job view. Caller
// holds the lock.
func (j *Job) subscribeTask(key string) {
	if _, ok := j.taskSubs[key]; ok {
		return
	}
	taskID := models.TaskID(j.id, key)
	j.taskSubs[key] = j.m.events.Subscribe(taskID, eventbus.Handler[models.ExecutionEvent]{
		OnEvent: func(evt models.ExecutionEvent) {
			j.onTaskEvent(key, evt)
		},
		OnError: func(err error) {
			logger.Warn(context.Background(), "Task event dropped",
				tag.Job(j.id), tag.Task(taskID), tag.Error(err))
		},
	})
}

// onTaskEvent folds one task event into the job's view copy and republishes
// it on the job channel so external subscribers see a single stream.
func (j *Job) onTaskEvent(key string, evt models.ExecutionEvent) {
	ctx := context.Background()
	j.mu.Lock()
	if j.state == nil {
		j.mu.Unlock()
		return
	}
	view, ok := j.state.Tasks[key]
	if !ok {
		j.mu.Unlock()
		return
	}

	switch evt.Type {
	case models.EventStatusChanged:
		if status, ok := models.ParseTaskStatus(evt.Message); ok {
			view.Status = status
			if status.IsTerminal() {
				view.CompletedAt = evt.Timestamp
			}
			if status == models.TaskStatusRunning && view.StartedAt.IsZero() {
				view.StartedAt = evt.Timestamp
			}
		}
		if evt.RunNumber > view.RunCount {
			view.RunCount = evt.RunNumber
		}
	case models.EventProgress:
		if evt.Progress != nil {
			view.Progress = *evt.Progress
		}
		if evt.Message != "" {
			view.AppendHistory(evt.Timestamp, evt.Message)
		}
	case models.EventError:
		view.LastError = evt.ExceptionText
		view.Status = models.TaskStatusFailed
		if evt.RunNumber > view.RunCount {
			view.RunCount = evt.RunNumber
		}
	case models.EventCompleted:
		if evt.RunNumber > view.RunCount {
			view.RunCount = evt.RunNumber
		}
		if view.IsRecurring && !evt.NextRunAt.IsZero() {
			view.Status = models.TaskStatusScheduled
			view.NextRunAt = evt.NextRunAt
			view.Progress = 0
		} else {
			view.Status = models.TaskStatusSucceeded
			view.Progress = 100
			view.CompletedAt = evt.Timestamp
			view.NextRunAt = time.Time{}
		}
		view.LastError = ""
	}

	j.refreshSnapshot(ctx, false)
	// While cancelling the tick is disarmed, so finalization rides on the
	// terminal events the tasks publish.
	if j.state.Status == models.JobStatusCancelling {
		j.tryFinalize(ctx)
	}
	provider := j.state.TelemetryProvider
	j.mu.Unlock()

	j.publishTaskEvent(evt)
	j.m.sink(provider).Emit(ctx, evt)
}

// publishTaskEvent republishes a task-level event on the job channel.
func (j *Job) publishTaskEvent(evt models.ExecutionEvent) {
	j.m.events.Publish(j.id, evt)
}

// tryFinalize terminalizes the job once every task view is terminal.
// Failed outranks Cancelled outranks Succeeded. Caller holds the lock.
func (j *Job) tryFinalize(ctx context.Context) {
	if j.state == nil || j.state.Status.IsTerminal() {
		return
	}
	for _, view := range j.state.Tasks {
		if !view.Status.IsTerminal() {
			return
		}
	}
	final := models.JobStatusSucceeded
	switch {
	case j.state.FailedTasks > 0:
		final = models.JobStatusFailed
	case j.state.CancelledTasks > 0 || j.state.Status == models.JobStatusCancelling:
		final = models.JobStatusCancelled
	}
	now := time.Now()
	j.state.Status = final
	j.state.CompletedAt = now
	j.disarmTick()
	j.refreshSnapshot(ctx, true)
	j.emitStatus(now, final)
	j.publish(models.ExecutionEvent{
		Type:          models.EventCompleted,
		JobID:         j.id,
		Message:       final.String(),
		Timestamp:     now,
		CorrelationID: j.state.CorrelationID,
	})
	j.m.metrics.JobCompleted(final.String())
	logger.Info(ctx, "Job finished", tag.Job(j.id), tag.Status(final))
}

// Pause suspends scheduling and asks every active task to pause. Terminal
// and cancelling jobs ignore it.
func (j *Job) Pause(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil || j.state.Status != models.JobStatusRunning {
		return nil
	}
	now := time.Now()
	j.state.Status = models.JobStatusPaused
	j.disarmTick()
	for key, view := range j.state.Tasks {
		if view.Status.IsTerminal() || view.Status == models.TaskStatusCreated {
			continue
		}
		if task := j.tasks[key]; task != nil {
			if err := task.Pause(ctx); err != nil {
				logger.Error(ctx, "Task pause failed", tag.Task(view.TaskID), tag.Error(err))
			}
		}
	}
	j.persist(ctx)
	j.emitStatus(now, models.JobStatusPaused)
	j.refreshSnapshot(ctx, true)
	return nil
}

// Resume restores a paused job to Running, resumes its paused tasks and
// re-arms the tick.
func (j *Job) Resume(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil || j.state.Status != models.JobStatusPaused {
		return nil
	}
	j.resumeLocked(ctx)
	return nil
}

// resumeLocked restores a paused job to Running. Caller holds the lock and
// has verified the Paused status.
func (j *Job) resumeLocked(ctx context.Context) {
	now := time.Now()
	j.state.Status = models.JobStatusRunning
	for key, view := range j.state.Tasks {
		if view.Status != models.TaskStatusPaused {
			continue
		}
		if task := j.tasks[key]; task != nil {
			if err := task.Resume(ctx); err != nil {
				logger.Error(ctx, "Task resume failed", tag.Task(view.TaskID), tag.Error(err))
			}
		}
	}
	j.persist(ctx)
	j.emitStatus(now, models.JobStatusRunning)
	j.refreshSnapshot(ctx, true)
	j.armTick()
}

// Cancel moves the job to Cancelling and delivers cancellation to every
// task twice: a direct entity call and a control-channel signal. Tasks
// that never started are terminalized in the view immediately.
func (j *Job) Cancel(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil || j.state.Status.IsTerminal() ||
		j.state.Status == models.JobStatusCancelling {
		return nil
	}
	now := time.Now()
	j.state.Status = models.JobStatusCancelling
	j.disarmTick()
	for key, view := range j.state.Tasks {
		if view.Status.IsTerminal() {
			continue
		}
		taskID := view.TaskID
		if view.Status == models.TaskStatusCreated {
			view.Status = models.TaskStatusCancelled
			view.CompletedAt = now
			j.publishTaskEvent(models.ExecutionEvent{
				Type:          models.EventStatusChanged,
				JobID:         j.id,
				TaskID:        taskID,
				Message:       models.TaskStatusCancelled.String(),
				Timestamp:     now,
				CorrelationID: j.state.CorrelationID,
			})
		}
		j.m.control.Publish(taskID, models.ControlCancel)
		if task := j.tasks[key]; task != nil {
			if err := task.Cancel(ctx); err != nil {
				logger.Error(ctx, "Task cancel failed", tag.Task(taskID), tag.Error(err))
			}
		}
	}
	j.persist(ctx)
	j.emitStatus(now, models.JobStatusCancelling)
	j.refreshSnapshot(ctx, true)
	j.tryFinalize(ctx)
	return nil
}

// Delete removes the job and all of its tasks: timers stopped, channels
// closed, records gone.
func (j *Job) Delete(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	j.disarmTick()
	for key, sub := range j.taskSubs {
		j.m.events.Unsubscribe(sub)
		delete(j.taskSubs, key)
	}
	for key, task := range j.tasks {
		if err := task.Delete(ctx); err != nil {
			logger.Error(ctx, "Task delete failed", tag.Task(task.id), tag.Error(err))
		}
		delete(j.tasks, key)
	}
	j.state = nil
	j.m.events.Close(j.id)
	j.m.forgetJob(j.id)
	if err := j.m.store.Delete(ctx, j.key()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	return nil
}

// GetState returns a snapshot of the job record, or nil when none exists.
func (j *Job) GetState(ctx context.Context) *models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil {
		return nil
	}
	return j.state.Clone()
}

// Flush persists immediately, bypassing the snapshot throttle, and
// publishes a flush marker.
func (j *Job) Flush(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil {
		return persistence.ErrNotFound
	}
	j.refreshSnapshot(ctx, true)
	j.publish(models.ExecutionEvent{
		Type:          models.EventFlushed,
		JobID:         j.id,
		Timestamp:     time.Now(),
		CorrelationID: j.state.CorrelationID,
	})
	return nil
}

// EmitTelemetry forwards a custom event to the job's telemetry sink and
// mirrors it on the job channel.
func (j *Job) EmitTelemetry(ctx context.Context, evt models.ExecutionEvent) error {
	j.mu.Lock()
	j.hydrate(ctx)
	if j.state == nil {
		j.mu.Unlock()
		return persistence.ErrNotFound
	}
	evt.Type = models.EventCustom
	evt.JobID = j.id
	if evt.CorrelationID == "" {
		evt.CorrelationID = j.state.CorrelationID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	provider := j.state.TelemetryProvider
	j.mu.Unlock()

	j.m.sink(provider).Emit(ctx, evt)
	j.publish(evt)
	return nil
}

// SetTelemetryProvider repoints the job's sink for subsequent emissions.
func (j *Job) SetTelemetryProvider(ctx context.Context, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hydrate(ctx)
	if j.state == nil {
		return persistence.ErrNotFound
	}
	j.state.TelemetryProvider = name
	j.persist(ctx)
	return nil
}

// refreshSnapshot recomputes the aggregate and, unless throttled, persists
// and publishes a snapshot event. Forced refreshes always go through.
// Caller holds the lock.
func (j *Job) refreshSnapshot(ctx context.Context, force bool) {
	if j.state == nil {
		return
	}
	j.state.RecomputeAggregate()
	now := time.Now()
	if !force && now.Sub(j.lastSnapshot) < j.m.snapshotInterval {
		return
	}
	j.lastSnapshot = now
	j.persist(ctx)
	j.publish(models.NewSnapshotEvent(j.state, now))
	j.m.metrics.SnapshotPublished()
}

// persist writes the current state through the optimistic-concurrency
// helper. Caller holds the lock.
func (j *Job) persist(ctx context.Context) {
	if j.state == nil {
		return
	}
	if err := persistence.Save(ctx, j.m.store, j.key(), j.state.Clone(), &j.version); err != nil {
		logger.Error(ctx, "Job state write failed", tag.Job(j.id), tag.Error(err))
	}
}

func (j *Job) publish(evt models.ExecutionEvent) {
	j.m.events.Publish(j.id, evt)
}

func (j *Job) emitStatus(now time.Time, status models.JobStatus) {
	j.publish(models.ExecutionEvent{
		Type:          models.EventStatusChanged,
		JobID:         j.id,
		Message:       status.String(),
		Timestamp:     now,
		CorrelationID: j.state.CorrelationID,
	})
}
