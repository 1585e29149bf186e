package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowmill-org/flowmill/internal/cronutil"
	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/persistence"
)

// ScheduledJob is the recurring template entity: a job spec plus a cron
// schedule. Each firing spawns an independent one-shot job with a fresh
// id; the template tracks the jobs it spawned but does not manage them.
type ScheduledJob struct {
	id    string
	m     *Manager
	mu    sync.Mutex
	state *models.ScheduledJobState

	version int64
	loaded  bool

	sched cron.Schedule
	loc   *time.Location
	timer *time.Timer
}

func newScheduledJob(id string, m *Manager) *ScheduledJob {
	return &ScheduledJob{id: id, m: m}
}

func (s *ScheduledJob) key() string { return scheduleKeyPrefix + s.id }

func (s *ScheduledJob) hydrate(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	state, version, err := persistence.Load[models.ScheduledJobState](ctx, s.m.store, s.key())
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			logger.Error(ctx, "Schedule state load failed", tag.Schedule(s.id), tag.Error(err))
		}
		return
	}
	s.state = state
	s.version = version
	if state.Status == models.ScheduleStatusEnabled {
		// Enabled across a restart; re-arm on the current schedule.
		if err := s.parseCron(); err != nil {
			logger.Error(ctx, "Schedule cron re-parse failed", tag.Schedule(s.id), tag.Error(err))
			return
		}
		s.armNext(ctx, state.RunCount == 0)
	}
}

// Configure creates or replaces the template. The embedded job spec gets
// the full submission validation up front so a bad template is rejected
// before it ever fires. A freshly created template starts Disabled.
func (s *ScheduledJob) Configure(ctx context.Context, spec models.ScheduledJobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := s.m.validateJobSpec(spec.JobTemplate); err != nil {
		return err
	}
	sched, loc, err := cronutil.Parse(spec.CronExpression, spec.CronTimezone)
	if err != nil {
		return err
	}
	now := time.Now()
	if s.state == nil {
		s.state = models.NewScheduledJobState(s.id, spec, now)
		version, err := persistence.Create(ctx, s.m.store, s.key(), s.state.Clone())
		if err != nil && !errors.Is(err, persistence.ErrAlreadyExists) {
			s.state = nil
			return err
		}
		s.version = version
		s.sched = sched
		s.loc = loc
		logger.Info(ctx, "Schedule configured", tag.Schedule(s.id), "cron", spec.CronExpression)
		return nil
	}

	s.state.ApplySpec(spec)
	s.sched = sched
	s.loc = loc
	if s.state.Status == models.ScheduleStatusEnabled {
		s.stopTimer()
		s.armNext(ctx, s.state.RunCount == 0)
	}
	s.persist(ctx)
	logger.Info(ctx, "Schedule updated", tag.Schedule(s.id), "cron", spec.CronExpression)
	return nil
}

// UpdateSpec replaces the template spec; an enabled schedule is re-armed
// against the new cron expression.
func (s *ScheduledJob) UpdateSpec(ctx context.Context, spec models.ScheduledJobSpec) error {
	return s.Configure(ctx, spec)
}

// Enable arms the schedule. The first occurrence never lands before
// NotBefore.
func (s *ScheduledJob) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil {
		return persistence.ErrNotFound
	}
	if s.state.Status == models.ScheduleStatusEnabled {
		return nil
	}
	if err := s.parseCron(); err != nil {
		return err
	}
	s.state.Status = models.ScheduleStatusEnabled
	s.armNext(ctx, s.state.RunCount == 0)
	s.persist(ctx)
	logger.Info(ctx, "Schedule enabled", tag.Schedule(s.id))
	return nil
}

// Disable stops future firings. Already spawned jobs are unaffected.
func (s *ScheduledJob) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil {
		return persistence.ErrNotFound
	}
	if s.state.Status == models.ScheduleStatusDisabled {
		return nil
	}
	s.stopTimer()
	s.state.Status = models.ScheduleStatusDisabled
	s.state.NextRunAt = time.Time{}
	s.persist(ctx)
	logger.Info(ctx, "Schedule disabled", tag.Schedule(s.id))
	return nil
}

// Pause suspends firings without losing the enabled intent; Resume picks
// the schedule back up from the next occurrence.
func (s *ScheduledJob) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil || s.state.Status != models.ScheduleStatusEnabled {
		return nil
	}
	s.stopTimer()
	s.state.Status = models.ScheduleStatusPaused
	s.state.NextRunAt = time.Time{}
	s.persist(ctx)
	return nil
}

// Resume re-arms a paused schedule.
func (s *ScheduledJob) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil || s.state.Status != models.ScheduleStatusPaused {
		return nil
	}
	if err := s.parseCron(); err != nil {
		return err
	}
	s.state.Status = models.ScheduleStatusEnabled
	s.armNext(ctx, false)
	s.persist(ctx)
	return nil
}

// RunNow fires the template immediately, out of band. The pending cron
// occurrence is untouched; overlap and run-budget rules still apply.
func (s *ScheduledJob) RunNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil {
		return "", persistence.ErrNotFound
	}
	return s.spawn(ctx, time.Now())
}

// Delete removes the template. Spawned jobs keep running.
func (s *ScheduledJob) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	s.stopTimer()
	s.state = nil
	s.m.forgetSchedule(s.id)
	if err := s.m.store.Delete(ctx, s.key()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	return nil
}

// GetState returns a snapshot of the template record, or nil.
func (s *ScheduledJob) GetState(ctx context.Context) *models.ScheduledJobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrate(ctx)
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}

// fire is the cron timer callback for one occurrence.
func (s *ScheduledJob) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Status != models.ScheduleStatusEnabled {
		return
	}
	ctx := context.Background()
	now := time.Now()

	if s.state.NotAfter != nil && now.After(*s.state.NotAfter) {
		s.state.Status = models.ScheduleStatusDisabled
		s.state.NextRunAt = time.Time{}
		s.persist(ctx)
		logger.Info(ctx, "Schedule window closed", tag.Schedule(s.id))
		return
	}
	if !s.state.HasRunsRemaining() {
		s.state.Status = models.ScheduleStatusDisabled
		s.state.NextRunAt = time.Time{}
		s.persist(ctx)
		logger.Info(ctx, "Schedule run budget exhausted", tag.Schedule(s.id))
		return
	}

	if _, err := s.spawn(ctx, now); err != nil {
		logger.Error(ctx, "Schedule spawn failed", tag.Schedule(s.id), tag.Error(err))
	}
	s.armNext(ctx, false)
	s.persist(ctx)
}

// spawn submits and starts one job from the template, unless overlap or
// run-budget rules skip it. Returns the spawned job id, empty on a skip.
// Caller holds the lock.
func (s *ScheduledJob) spawn(ctx context.Context, now time.Time) (string, error) {
	if !s.state.HasRunsRemaining() {
		return "", nil
	}
	if !s.state.AllowOverlappingJobs && s.state.LastJobID != "" {
		last := s.m.Job(s.state.LastJobID)
		if st := last.GetState(ctx); st != nil && !st.Status.IsTerminal() {
			s.m.metrics.ScheduleSkipped()
			logger.Info(ctx, "Schedule occurrence skipped, previous job active",
				tag.Schedule(s.id), tag.Job(s.state.LastJobID))
			return "", nil
		}
	}

	jobID := uuid.NewString()
	spec := s.state.JobTemplate.Clone()
	spec.CorrelationID = fmt.Sprintf("%s:%d", s.id, now.Unix())
	job := s.m.Job(jobID)
	if err := job.Submit(ctx, spec); err != nil {
		return "", err
	}
	if err := job.Start(ctx); err != nil {
		return "", err
	}
	s.state.RecordSpawn(jobID, now)
	s.m.metrics.ScheduleFired()
	logger.Info(ctx, "Schedule fired", tag.Schedule(s.id), tag.Job(jobID), tag.Run(s.state.RunCount))
	return jobID, nil
}

// armNext computes the next occurrence and arms the timer; a schedule with
// nothing left in its window is disabled. Caller holds the lock.
func (s *ScheduledJob) armNext(ctx context.Context, first bool) {
	now := time.Now()
	base := now
	if first && s.state.NotBefore != nil && s.state.NotBefore.After(now) {
		base = *s.state.NotBefore
	}
	next := cronutil.Next(s.sched, s.loc, base)
	if next.IsZero() || (s.state.NotAfter != nil && next.After(*s.state.NotAfter)) {
		s.state.Status = models.ScheduleStatusDisabled
		s.state.NextRunAt = time.Time{}
		logger.Info(ctx, "Schedule window closed", tag.Schedule(s.id))
		return
	}
	s.state.NextRunAt = next
	s.timer = time.AfterFunc(time.Until(next), s.fire)
}

func (s *ScheduledJob) parseCron() error {
	if s.sched != nil {
		return nil
	}
	sched, loc, err := cronutil.Parse(s.state.CronExpression, s.state.CronTimezone)
	if err != nil {
		return err
	}
	s.sched = sched
	s.loc = loc
	return nil
}

func (s *ScheduledJob) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// persist writes the current state through the optimistic-concurrency
// helper. Caller holds the lock.
func (s *ScheduledJob) persist(ctx context.Context) {
	if s.state == nil {
		return
	}
	if err := persistence.Save(ctx, s.m.store, s.key(), s.state.Clone(), &s.version); err != nil {
		logger.Error(ctx, "Schedule state write failed", tag.Schedule(s.id), tag.Error(err))
	}
}
