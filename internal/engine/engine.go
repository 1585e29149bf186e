// Package engine implements the job-orchestration core: the Job, Task and
// ScheduledJob entities, their state machines, and the manager directory
// that fronts them.
//
// Every entity is single-writer: all operations against one instance are
// serialized by an entity-scoped mutex, so the entity's own state needs no
// further locking. Concurrency exists only across entities, via the event
// bus and explicit operation calls.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowmill-org/flowmill/internal/cronutil"
	"github.com/flowmill-org/flowmill/internal/dag"
	"github.com/flowmill-org/flowmill/internal/eventbus"
	"github.com/flowmill-org/flowmill/internal/executor"
	"github.com/flowmill-org/flowmill/internal/metrics"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/persistence"
)

const (
	defaultTickInterval     = 500 * time.Millisecond
	defaultSnapshotInterval = time.Second
	defaultCancelWatchdog   = 15 * time.Second

	jobKeyPrefix      = "job:"
	taskKeyPrefix     = "task:"
	scheduleKeyPrefix = "sched:"
)

// ErrAlreadySubmitted is returned when a spec is submitted to a job id
// that already holds state.
var ErrAlreadySubmitted = errors.New("job already submitted")

// Config wires the engine's collaborators. Store and Registry are
// required; the rest default sensibly.
type Config struct {
	Store    persistence.Store
	Registry *executor.Registry
	Metrics  *metrics.Metrics

	// TickInterval is the job scheduler period.
	TickInterval time.Duration
	// SnapshotInterval bounds the rate of non-forced snapshot emissions.
	SnapshotInterval time.Duration
	// CancelWatchdog bounds cancellation latency for uncooperative
	// executors.
	CancelWatchdog time.Duration
}

// Manager is the directory fronting entity creation and enumeration. It
// owns the shared collaborators and hands out entity handles; it holds no
// scheduling logic of its own.
type Manager struct {
	store    persistence.Store
	registry *executor.Registry
	metrics  *metrics.Metrics
	events   *eventbus.Bus[models.ExecutionEvent]
	control  *eventbus.Bus[models.ControlSignal]

	tickInterval     time.Duration
	snapshotInterval time.Duration
	cancelWatchdog   time.Duration

	mu        sync.Mutex
	jobs      map[string]*Job
	schedules map[string]*ScheduledJob
	sinks     map[string]TelemetrySink
}

// New builds a manager around the given collaborators.
func New(cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.CancelWatchdog <= 0 {
		cfg.CancelWatchdog = defaultCancelWatchdog
	}
	return &Manager{
		store:            cfg.Store,
		registry:         cfg.Registry,
		metrics:          cfg.Metrics,
		events:           eventbus.New[models.ExecutionEvent](),
		control:          eventbus.New[models.ControlSignal](),
		tickInterval:     cfg.TickInterval,
		snapshotInterval: cfg.SnapshotInterval,
		cancelWatchdog:   cfg.CancelWatchdog,
		jobs:             make(map[string]*Job),
		schedules:        make(map[string]*ScheduledJob),
		sinks:            make(map[string]TelemetrySink),
	}
}

// Events exposes the event bus for external subscribers; job-level streams
// are published on the job id channel.
func (m *Manager) Events() *eventbus.Bus[models.ExecutionEvent] {
	return m.events
}

// Job returns the entity handle for the given id, creating it on first
// use. The handle lazily hydrates from the store.
func (m *Manager) Job(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return j
	}
	j := newJob(id, m)
	m.jobs[id] = j
	return j
}

// ScheduledJob returns the template entity handle for the given id.
func (m *Manager) ScheduledJob(id string) *ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[id]; ok {
		return s
	}
	s := newScheduledJob(id, m)
	m.schedules[id] = s
	return s
}

// ListJobIDs enumerates the job ids present in the store.
func (m *Manager) ListJobIDs(ctx context.Context) ([]string, error) {
	return m.listIDs(ctx, jobKeyPrefix)
}

// ListScheduleIDs enumerates the scheduled-job template ids.
func (m *Manager) ListScheduleIDs(ctx context.Context) ([]string, error) {
	return m.listIDs(ctx, scheduleKeyPrefix)
}

func (m *Manager) listIDs(ctx context.Context, prefix string) ([]string, error) {
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[len(prefix):])
	}
	return ids, nil
}

func (m *Manager) forgetJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

func (m *Manager) forgetSchedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
}

// validateJobSpec runs the full synchronous submission checks: structure,
// dependency cycles, executor resolution and cron parsing. Nothing is
// persisted when any of them fails.
func (m *Manager) validateJobSpec(spec models.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if dag.HasCycle(spec.DependencyMap()) {
		return &models.ValidationError{Field: "tasks", Reason: "dependency cycle detected"}
	}
	for _, taskSpec := range spec.Tasks {
		if _, err := m.registry.Lookup(taskSpec.ExecutorType); err != nil {
			return err
		}
		if taskSpec.IsRecurring() {
			if _, _, err := cronutil.Parse(taskSpec.CronExpression, taskSpec.CronTimezone); err != nil {
				return err
			}
		}
	}
	return nil
}
