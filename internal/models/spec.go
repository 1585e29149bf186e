package models

import (
	"fmt"
	"time"
)

// JobSpec is the submission input for a job: a named DAG of tasks plus
// scheduling knobs.
type JobSpec struct {
	Name              string              `json:"name"`
	Tasks             map[string]TaskSpec `json:"tasks"`
	MaxParallelism    int                 `json:"maxParallelism"`
	FailFast          bool                `json:"failFast"`
	CorrelationID     string              `json:"correlationId,omitempty"`
	TelemetryProvider string              `json:"telemetryProvider,omitempty"`
}

// TaskSpec describes a single unit of work within a job.
type TaskSpec struct {
	ExecutorType        string   `json:"executorType"`
	Command             string   `json:"command,omitempty"`
	DependsOn           []string `json:"dependsOn,omitempty"`
	MaxRetries          int      `json:"maxRetries,omitempty"`
	RetryBackoffSeconds float64  `json:"retryBackoffSeconds,omitempty"`

	// Recurring execution. A non-empty cron expression makes the task
	// recurring; the remaining fields bound the schedule.
	CronExpression      string     `json:"cronExpression,omitempty"`
	CronTimezone        string     `json:"cronTimezone,omitempty"`
	AllowConcurrentRuns bool       `json:"allowConcurrentRuns,omitempty"`
	MaxRuns             int        `json:"maxRuns,omitempty"`
	NotBefore           *time.Time `json:"notBefore,omitempty"`
	NotAfter            *time.Time `json:"notAfter,omitempty"`
}

// IsRecurring reports whether the task runs on a cron schedule.
func (t TaskSpec) IsRecurring() bool {
	return t.CronExpression != ""
}

// ScheduledJobSpec is the template for a cron-driven job spawner.
type ScheduledJobSpec struct {
	JobTemplate          JobSpec    `json:"jobTemplate"`
	CronExpression       string     `json:"cronExpression"`
	CronTimezone         string     `json:"cronTimezone,omitempty"`
	AllowOverlappingJobs bool       `json:"allowOverlappingJobs,omitempty"`
	MaxRuns              int        `json:"maxRuns,omitempty"`
	NotBefore            *time.Time `json:"notBefore,omitempty"`
	NotAfter             *time.Time `json:"notAfter,omitempty"`
}

// Validate checks the structural invariants of a template spec. The
// embedded job template is validated separately at configure time.
func (s ScheduledJobSpec) Validate() error {
	if s.CronExpression == "" {
		return &ValidationError{Field: "cronExpression", Reason: "cron expression is required"}
	}
	if s.MaxRuns < 0 {
		return &ValidationError{Field: "maxRuns", Reason: "must not be negative"}
	}
	if s.NotBefore != nil && s.NotAfter != nil && s.NotAfter.Before(*s.NotBefore) {
		return &ValidationError{Field: "notAfter", Reason: "window ends before it begins"}
	}
	return nil
}

// Validate checks the structural invariants of a job spec: non-empty task
// set, executor types present, dependency keys resolving within the spec,
// and a sane parallelism cap. Graph and cron validation happen at submit
// where the collaborators live.
func (s JobSpec) Validate() error {
	if len(s.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Reason: "job has no tasks"}
	}
	if s.MaxParallelism < 1 {
		return &ValidationError{Field: "maxParallelism", Reason: "must be at least 1"}
	}
	for key, task := range s.Tasks {
		if task.ExecutorType == "" {
			return &ValidationError{
				Field:  "tasks." + key + ".executorType",
				Reason: "executor type is required",
			}
		}
		for _, dep := range task.DependsOn {
			if dep == key {
				return &ValidationError{
					Field:  "tasks." + key + ".dependsOn",
					Reason: "task depends on itself",
				}
			}
			if _, ok := s.Tasks[dep]; !ok {
				return &ValidationError{
					Field:  "tasks." + key + ".dependsOn",
					Reason: fmt.Sprintf("unknown dependency %q", dep),
				}
			}
		}
		if task.MaxRuns < 0 {
			return &ValidationError{
				Field:  "tasks." + key + ".maxRuns",
				Reason: "must not be negative",
			}
		}
	}
	return nil
}

// DependencyMap returns the task-key -> dependency-keys adjacency used by
// the DAG validator.
func (s JobSpec) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(s.Tasks))
	for key, task := range s.Tasks {
		deps[key] = append([]string(nil), task.DependsOn...)
	}
	return deps
}

// Clone returns a deep copy of the spec.
func (s JobSpec) Clone() JobSpec {
	out := s
	out.Tasks = make(map[string]TaskSpec, len(s.Tasks))
	for key, task := range s.Tasks {
		out.Tasks[key] = task.Clone()
	}
	return out
}

// Clone returns a deep copy of the task spec.
func (t TaskSpec) Clone() TaskSpec {
	out := t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.NotBefore = cloneTime(t.NotBefore)
	out.NotAfter = cloneTime(t.NotAfter)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
