package models

// JobStatus represents the lifecycle state of a job.
type JobStatus int

const (
	JobStatusNone JobStatus = iota
	JobStatusCreated
	JobStatusRunning
	JobStatusPaused
	JobStatusCancelling
	JobStatusCancelled
	JobStatusSucceeded
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusCreated:
		return "created"
	case JobStatusRunning:
		return "running"
	case JobStatusPaused:
		return "paused"
	case JobStatusCancelling:
		return "cancelling"
	case JobStatusCancelled:
		return "cancelled"
	case JobStatusSucceeded:
		return "succeeded"
	case JobStatusFailed:
		return "failed"
	case JobStatusNone:
		fallthrough
	default:
		return "none"
	}
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCancelled, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus int

const (
	TaskStatusNone TaskStatus = iota
	TaskStatusCreated
	TaskStatusQueued
	TaskStatusRunning
	TaskStatusPaused
	TaskStatusScheduled
	TaskStatusCancelling
	TaskStatusCancelled
	TaskStatusSucceeded
	TaskStatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusCreated:
		return "created"
	case TaskStatusQueued:
		return "queued"
	case TaskStatusRunning:
		return "running"
	case TaskStatusPaused:
		return "paused"
	case TaskStatusScheduled:
		return "scheduled"
	case TaskStatusCancelling:
		return "cancelling"
	case TaskStatusCancelled:
		return "cancelled"
	case TaskStatusSucceeded:
		return "succeeded"
	case TaskStatusFailed:
		return "failed"
	case TaskStatusNone:
		fallthrough
	default:
		return "none"
	}
}

// IsTerminal reports whether the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCancelled, TaskStatusSucceeded, TaskStatusFailed:
		return true
	default:
		return false
	}
}

var taskStatusNames = map[string]TaskStatus{
	"created":    TaskStatusCreated,
	"queued":     TaskStatusQueued,
	"running":    TaskStatusRunning,
	"paused":     TaskStatusPaused,
	"scheduled":  TaskStatusScheduled,
	"cancelling": TaskStatusCancelling,
	"cancelled":  TaskStatusCancelled,
	"succeeded":  TaskStatusSucceeded,
	"failed":     TaskStatusFailed,
}

// ParseTaskStatus maps a status-changed event message back to a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, bool) {
	s, ok := taskStatusNames[name]
	return s, ok
}

var jobStatusNames = map[string]JobStatus{
	"created":    JobStatusCreated,
	"running":    JobStatusRunning,
	"paused":     JobStatusPaused,
	"cancelling": JobStatusCancelling,
	"cancelled":  JobStatusCancelled,
	"succeeded":  JobStatusSucceeded,
	"failed":     JobStatusFailed,
}

// ParseJobStatus maps a status-changed event message back to a JobStatus.
func ParseJobStatus(name string) (JobStatus, bool) {
	s, ok := jobStatusNames[name]
	return s, ok
}

// ScheduleStatus represents the state of a recurring job template.
type ScheduleStatus int

const (
	ScheduleStatusDisabled ScheduleStatus = iota
	ScheduleStatusEnabled
	ScheduleStatusPaused
)

func (s ScheduleStatus) String() string {
	switch s {
	case ScheduleStatusEnabled:
		return "enabled"
	case ScheduleStatusPaused:
		return "paused"
	case ScheduleStatusDisabled:
		fallthrough
	default:
		return "disabled"
	}
}
