// Package tag provides standardized tag helpers for structured logging.
// Use these instead of raw strings for consistent log output.
package tag

import "log/slog"

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Job creates a tag for job ids.
func Job(id string) slog.Attr {
	return slog.String("job", id)
}

// Task creates a tag for task ids.
func Task(id string) slog.Attr {
	return slog.String("task", id)
}

// Schedule creates a tag for scheduled-job template ids.
func Schedule(id string) slog.Attr {
	return slog.String("schedule", id)
}

// Status creates a tag for entity statuses.
func Status(s interface{ String() string }) slog.Attr {
	return slog.String("status", s.String())
}

// Attempt creates a tag for retry attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Run creates a tag for recurring run numbers.
func Run(n int) slog.Attr {
	return slog.Int("run", n)
}

// Progress creates a tag for progress percentages.
func Progress(pct int) slog.Attr {
	return slog.Int("progress", pct)
}

// Executor creates a tag for executor type names.
func Executor(typ string) slog.Attr {
	return slog.String("executor", typ)
}
