// Package executor defines the pluggable task-execution contract and the
// registry executors are resolved from.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmill-org/flowmill/internal/models"
)

// Executor is the plugin contract for a task's unit of work. Execute runs
// under the engine's retry policy with a linked cancellation context;
// OnError and OnCompleted are best-effort hooks whose own failures are
// swallowed by the caller.
type Executor interface {
	Type() string
	Validate(ctx context.Context, run *Run) error
	Execute(ctx context.Context, run *Run) error
	OnError(ctx context.Context, run *Run, execErr error)
	OnCompleted(ctx context.Context, run *Run)
}

// Registry resolves executors by type key. Executors are registered
// explicitly at startup; there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its type key, replacing any previous
// registration.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Lookup resolves an executor. An unknown type is a validation error so
// submission fails synchronously.
func (r *Registry) Lookup(typ string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	if !ok {
		return nil, &models.ValidationError{
			Field:  "executorType",
			Reason: fmt.Sprintf("unknown executor type %q", typ),
		}
	}
	return e, nil
}

// Run is the execution context handed to an executor for one task run. The
// callbacks are bound to the owning task entity; nil callbacks are no-ops.
type Run struct {
	JobID         string
	TaskID        string
	CorrelationID string
	Command       string
	RunNumber     int

	ProgressFn  func(pct int, message string)
	TelemetryFn func(evt models.ExecutionEvent)
	OutputFn    func(output string)
	SaveFn      func(ctx context.Context)
	PauseWaitFn func(ctx context.Context) error
}

// ReportProgress records execution progress (0-100) with an optional
// message.
func (r *Run) ReportProgress(pct int, message string) {
	if r.ProgressFn != nil {
		r.ProgressFn(pct, message)
	}
}

// EmitTelemetry forwards a custom event to the task's telemetry sink.
func (r *Run) EmitTelemetry(evt models.ExecutionEvent) {
	if r.TelemetryFn != nil {
		r.TelemetryFn(evt)
	}
}

// ReportOutput records the run's output value.
func (r *Run) ReportOutput(output string) {
	if r.OutputFn != nil {
		r.OutputFn(output)
	}
}

// SaveState forces a durable write of the task state.
func (r *Run) SaveState(ctx context.Context) {
	if r.SaveFn != nil {
		r.SaveFn(ctx)
	}
}

// WaitIfPaused blocks at a checkpoint while the task is paused. Executors
// should call it between steps of long-running loops.
func (r *Run) WaitIfPaused(ctx context.Context) error {
	if r.PauseWaitFn != nil {
		return r.PauseWaitFn(ctx)
	}
	return nil
}
