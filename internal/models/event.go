package models

import "time"

// EventType distinguishes the records published on entity event channels.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventProgress
	EventLog
	EventError
	EventCompleted
	EventFlushed
	EventCustom
	EventJobSnapshot
)

func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status_changed"
	case EventProgress:
		return "progress"
	case EventLog:
		return "log"
	case EventError:
		return "error"
	case EventCompleted:
		return "completed"
	case EventFlushed:
		return "flushed"
	case EventCustom:
		return "custom"
	case EventJobSnapshot:
		return "job_snapshot"
	default:
		return "unknown"
	}
}

// ExecutionEvent is the wire record for progress and lifecycle reporting.
// TaskID is empty for job-level events. The snapshot fields mirror the job
// aggregate and are populated only on EventJobSnapshot.
type ExecutionEvent struct {
	Type          EventType `json:"type"`
	JobID         string    `json:"jobId"`
	TaskID        string    `json:"taskId,omitempty"`
	Message       string    `json:"message,omitempty"`
	Progress      *int      `json:"progress,omitempty"`
	ExceptionText string    `json:"exceptionText,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`

	// Recurring-run details.
	RunNumber int       `json:"runNumber,omitempty"`
	NextRunAt time.Time `json:"nextRunAt,omitempty"`

	// Job aggregate mirror, EventJobSnapshot only.
	TotalTasks     int `json:"totalTasks,omitempty"`
	CompletedTasks int `json:"completedTasks,omitempty"`
	SucceededTasks int `json:"succeededTasks,omitempty"`
	FailedTasks    int `json:"failedTasks,omitempty"`
	CancelledTasks int `json:"cancelledTasks,omitempty"`
	RunningTasks   int `json:"runningTasks,omitempty"`
	JobProgress    int `json:"jobProgress,omitempty"`
}

// NewSnapshotEvent builds a job snapshot event from the current aggregate.
func NewSnapshotEvent(js *JobState, now time.Time) ExecutionEvent {
	return ExecutionEvent{
		Type:           EventJobSnapshot,
		JobID:          js.JobID,
		Message:        js.Status.String(),
		Timestamp:      now,
		CorrelationID:  js.CorrelationID,
		TotalTasks:     js.TotalTasks,
		CompletedTasks: js.CompletedTasks,
		SucceededTasks: js.SucceededTasks,
		FailedTasks:    js.FailedTasks,
		CancelledTasks: js.CancelledTasks,
		RunningTasks:   js.RunningTasks,
		JobProgress:    js.JobProgress,
	}
}

// ControlSignal is the out-of-band pause/resume/cancel message carried on a
// task's control channel.
type ControlSignal int

const (
	ControlPause ControlSignal = iota
	ControlResume
	ControlCancel
)

func (s ControlSignal) String() string {
	switch s {
	case ControlPause:
		return "pause"
	case ControlResume:
		return "resume"
	case ControlCancel:
		return "cancel"
	default:
		return "unknown"
	}
}
