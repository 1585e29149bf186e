package engine

import (
	"context"

	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/models"
)

// DefaultTelemetryProvider is used when a job spec names no provider.
const DefaultTelemetryProvider = "default"

// TelemetrySink receives the custom telemetry events a job's executors
// emit. Emit must not block for long; it runs on entity goroutines.
type TelemetrySink interface {
	Emit(ctx context.Context, event models.ExecutionEvent)
}

// RegisterTelemetrySink makes a sink addressable by job specs under the
// given name. Registering an existing name replaces the sink.
func (m *Manager) RegisterTelemetrySink(name string, sink TelemetrySink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[name] = sink
}

// sink resolves a provider name to a sink, falling back to the debug-log
// sink for empty or unknown names.
func (m *Manager) sink(name string) TelemetrySink {
	if name == "" {
		name = DefaultTelemetryProvider
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sinks[name]; ok {
		return s
	}
	return logSink{}
}

// logSink writes telemetry to the context logger at debug level.
type logSink struct{}

func (logSink) Emit(ctx context.Context, event models.ExecutionEvent) {
	logger.Debug(ctx, "Telemetry event",
		tag.Job(event.JobID),
		tag.Task(event.TaskID),
		"message", event.Message,
	)
}
