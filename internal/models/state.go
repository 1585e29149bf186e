package models

import (
	"math"
	"time"
)

const (
	// taskHistoryCap bounds the per-task history log.
	taskHistoryCap = 100
	// recentJobIDsCap bounds the ring of job ids a schedule remembers.
	recentJobIDsCap = 50
)

// JobState is the durable record of a job. It is owned exclusively by the
// job entity; everyone else sees snapshots produced by Clone.
type JobState struct {
	JobID             string                `json:"jobId"`
	Name              string                `json:"name"`
	Status            JobStatus             `json:"status"`
	Tasks             map[string]*TaskState `json:"tasks"`
	CreatedAt         time.Time             `json:"createdAt"`
	StartedAt         time.Time             `json:"startedAt,omitempty"`
	CompletedAt       time.Time             `json:"completedAt,omitempty"`
	MaxParallelism    int                   `json:"maxParallelism"`
	FailFast          bool                  `json:"failFast"`
	CorrelationID     string                `json:"correlationId,omitempty"`
	TelemetryProvider string                `json:"telemetryProvider,omitempty"`

	// Denormalized aggregate, recomputed after every relevant mutation.
	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
	SucceededTasks int `json:"succeededTasks"`
	FailedTasks    int `json:"failedTasks"`
	CancelledTasks int `json:"cancelledTasks"`
	RunningTasks   int `json:"runningTasks"`
	JobProgress    int `json:"jobProgress"`
}

// NewJobState seeds the durable record for a freshly submitted spec.
// One TaskState per spec entry, all in Created status.
func NewJobState(jobID string, spec JobSpec, now time.Time) *JobState {
	js := &JobState{
		JobID:             jobID,
		Name:              spec.Name,
		Status:            JobStatusCreated,
		Tasks:             make(map[string]*TaskState, len(spec.Tasks)),
		CreatedAt:         now,
		MaxParallelism:    spec.MaxParallelism,
		FailFast:          spec.FailFast,
		CorrelationID:     spec.CorrelationID,
		TelemetryProvider: spec.TelemetryProvider,
	}
	for key, taskSpec := range spec.Tasks {
		js.Tasks[key] = NewTaskState(TaskID(jobID, key), jobID, spec.CorrelationID, taskSpec, now)
	}
	js.RecomputeAggregate()
	return js
}

// TaskID derives the durable id of a task within a job.
func TaskID(jobID, taskKey string) string {
	return jobID + ":" + taskKey
}

// RecomputeAggregate refreshes the denormalized counters and progress
// percent from the task states.
func (s *JobState) RecomputeAggregate() {
	s.TotalTasks = len(s.Tasks)
	s.CompletedTasks = 0
	s.SucceededTasks = 0
	s.FailedTasks = 0
	s.CancelledTasks = 0
	s.RunningTasks = 0
	for _, ts := range s.Tasks {
		switch ts.Status {
		case TaskStatusSucceeded:
			s.SucceededTasks++
		case TaskStatusFailed:
			s.FailedTasks++
		case TaskStatusCancelled:
			s.CancelledTasks++
		case TaskStatusRunning:
			s.RunningTasks++
		}
	}
	s.CompletedTasks = s.SucceededTasks + s.FailedTasks + s.CancelledTasks
	if s.TotalTasks == 0 {
		s.JobProgress = 100
		return
	}
	s.JobProgress = int(math.Round(100 * float64(s.CompletedTasks) / float64(s.TotalTasks)))
}

// Clone deep-copies the state so the in-memory record can keep mutating
// while a snapshot sits in the write buffer.
func (s *JobState) Clone() *JobState {
	out := *s
	out.Tasks = make(map[string]*TaskState, len(s.Tasks))
	for key, ts := range s.Tasks {
		out.Tasks[key] = ts.Clone()
	}
	return &out
}

// HistoryEntry is one line of a task's bounded execution log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// TaskState is the durable record of a task. Owned exclusively by its task
// entity; the owning job keeps its own view updated from events.
type TaskState struct {
	TaskID        string         `json:"taskId"`
	JobID         string         `json:"jobId"`
	ExecutorType  string         `json:"executorType"`
	Command       string         `json:"command,omitempty"`
	DependsOn     []string       `json:"dependsOn,omitempty"`
	Status        TaskStatus     `json:"status"`
	Attempts      int            `json:"attempts"`
	Progress      int            `json:"progress"`
	LastOutput    string         `json:"lastOutput,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     time.Time      `json:"startedAt,omitempty"`
	CompletedAt   time.Time      `json:"completedAt,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`

	MaxRetries          int     `json:"maxRetries,omitempty"`
	RetryBackoffSeconds float64 `json:"retryBackoffSeconds,omitempty"`

	// Recurring execution fields.
	IsRecurring         bool       `json:"isRecurring,omitempty"`
	CronExpression      string     `json:"cronExpression,omitempty"`
	CronTimezone        string     `json:"cronTimezone,omitempty"`
	AllowConcurrentRuns bool       `json:"allowConcurrentRuns,omitempty"`
	MaxRuns             int        `json:"maxRuns,omitempty"`
	RunCount            int        `json:"runCount,omitempty"`
	NotBefore           *time.Time `json:"notBefore,omitempty"`
	NotAfter            *time.Time `json:"notAfter,omitempty"`
	LastRunAt           time.Time  `json:"lastRunAt,omitempty"`
	NextRunAt           time.Time  `json:"nextRunAt,omitempty"`

	// PausedFrom remembers the status to restore on resume.
	PausedFrom TaskStatus `json:"pausedFrom,omitempty"`
}

// NewTaskState seeds a task record from its spec in Created status.
func NewTaskState(taskID, jobID, correlationID string, spec TaskSpec, now time.Time) *TaskState {
	return &TaskState{
		TaskID:              taskID,
		JobID:               jobID,
		ExecutorType:        spec.ExecutorType,
		Command:             spec.Command,
		DependsOn:           append([]string(nil), spec.DependsOn...),
		Status:              TaskStatusCreated,
		CreatedAt:           now,
		CorrelationID:       correlationID,
		MaxRetries:          spec.MaxRetries,
		RetryBackoffSeconds: spec.RetryBackoffSeconds,
		IsRecurring:         spec.IsRecurring(),
		CronExpression:      spec.CronExpression,
		CronTimezone:        spec.CronTimezone,
		AllowConcurrentRuns: spec.AllowConcurrentRuns,
		MaxRuns:             spec.MaxRuns,
		NotBefore:           cloneTime(spec.NotBefore),
		NotAfter:            cloneTime(spec.NotAfter),
	}
}

// Spec rebuilds the task spec carried by this state. The job entity uses it
// to derive the spec it hands to the task entity on start.
func (s *TaskState) Spec() TaskSpec {
	return TaskSpec{
		ExecutorType:        s.ExecutorType,
		Command:             s.Command,
		DependsOn:           append([]string(nil), s.DependsOn...),
		MaxRetries:          s.MaxRetries,
		RetryBackoffSeconds: s.RetryBackoffSeconds,
		CronExpression:      s.CronExpression,
		CronTimezone:        s.CronTimezone,
		AllowConcurrentRuns: s.AllowConcurrentRuns,
		MaxRuns:             s.MaxRuns,
		NotBefore:           cloneTime(s.NotBefore),
		NotAfter:            cloneTime(s.NotAfter),
	}
}

// AppendHistory adds a log line, dropping the oldest entries past the cap.
func (s *TaskState) AppendHistory(now time.Time, message string) {
	s.History = append(s.History, HistoryEntry{Timestamp: now, Message: message})
	if len(s.History) > taskHistoryCap {
		s.History = s.History[len(s.History)-taskHistoryCap:]
	}
}

// HasRunsRemaining reports whether a recurring task may fire again.
func (s *TaskState) HasRunsRemaining() bool {
	return s.MaxRuns == 0 || s.RunCount < s.MaxRuns
}

// Clone deep-copies the state.
func (s *TaskState) Clone() *TaskState {
	out := *s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.History = append([]HistoryEntry(nil), s.History...)
	out.NotBefore = cloneTime(s.NotBefore)
	out.NotAfter = cloneTime(s.NotAfter)
	return &out
}

// ScheduledJobState is the durable record of a recurring job template.
type ScheduledJobState struct {
	ScheduleID           string         `json:"scheduleId"`
	Status               ScheduleStatus `json:"status"`
	CronExpression       string         `json:"cronExpression"`
	CronTimezone         string         `json:"cronTimezone,omitempty"`
	AllowOverlappingJobs bool           `json:"allowOverlappingJobs,omitempty"`
	MaxRuns              int            `json:"maxRuns,omitempty"`
	RunCount             int            `json:"runCount,omitempty"`
	NotBefore            *time.Time     `json:"notBefore,omitempty"`
	NotAfter             *time.Time     `json:"notAfter,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	LastRunAt            time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt            time.Time      `json:"nextRunAt,omitempty"`
	LastJobID            string         `json:"lastJobId,omitempty"`
	RecentJobIDs         []string       `json:"recentJobIds,omitempty"`
	JobTemplate          JobSpec        `json:"jobTemplate"`
}

// NewScheduledJobState seeds the record for a configured template.
func NewScheduledJobState(scheduleID string, spec ScheduledJobSpec, now time.Time) *ScheduledJobState {
	return &ScheduledJobState{
		ScheduleID:           scheduleID,
		Status:               ScheduleStatusDisabled,
		CronExpression:       spec.CronExpression,
		CronTimezone:         spec.CronTimezone,
		AllowOverlappingJobs: spec.AllowOverlappingJobs,
		MaxRuns:              spec.MaxRuns,
		NotBefore:            cloneTime(spec.NotBefore),
		NotAfter:             cloneTime(spec.NotAfter),
		CreatedAt:            now,
		JobTemplate:          spec.JobTemplate.Clone(),
	}
}

// ApplySpec overwrites the template portion of the state with a new spec.
func (s *ScheduledJobState) ApplySpec(spec ScheduledJobSpec) {
	s.CronExpression = spec.CronExpression
	s.CronTimezone = spec.CronTimezone
	s.AllowOverlappingJobs = spec.AllowOverlappingJobs
	s.MaxRuns = spec.MaxRuns
	s.NotBefore = cloneTime(spec.NotBefore)
	s.NotAfter = cloneTime(spec.NotAfter)
	s.JobTemplate = spec.JobTemplate.Clone()
}

// RecordSpawn remembers a freshly spawned job id, keeping the recent ring
// bounded.
func (s *ScheduledJobState) RecordSpawn(jobID string, now time.Time) {
	s.LastJobID = jobID
	s.RecentJobIDs = append(s.RecentJobIDs, jobID)
	if len(s.RecentJobIDs) > recentJobIDsCap {
		s.RecentJobIDs = s.RecentJobIDs[len(s.RecentJobIDs)-recentJobIDsCap:]
	}
	s.RunCount++
	s.LastRunAt = now
}

// HasRunsRemaining reports whether the template may fire again.
func (s *ScheduledJobState) HasRunsRemaining() bool {
	return s.MaxRuns == 0 || s.RunCount < s.MaxRuns
}

// Clone deep-copies the state.
func (s *ScheduledJobState) Clone() *ScheduledJobState {
	out := *s
	out.NotBefore = cloneTime(s.NotBefore)
	out.NotAfter = cloneTime(s.NotAfter)
	out.RecentJobIDs = append([]string(nil), s.RecentJobIDs...)
	out.JobTemplate = s.JobTemplate.Clone()
	return &out
}
