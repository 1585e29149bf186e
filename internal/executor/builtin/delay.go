package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowmill-org/flowmill/internal/executor"
)

// delayCommand is the payload for the delay executor.
type delayCommand struct {
	DurationMS int `json:"duration_ms"`
	Steps      int `json:"steps"`
}

// Delay sleeps for the configured duration in discrete steps, reporting
// progress and honoring pause checkpoints at each step boundary.
type Delay struct{}

var _ executor.Executor = (*Delay)(nil)

func (*Delay) Type() string { return "delay" }

func (*Delay) Validate(_ context.Context, run *executor.Run) error {
	cmd, err := parseDelay(run.Command)
	if err != nil {
		return err
	}
	if cmd.DurationMS < 0 {
		return errors.New("duration must not be negative")
	}
	if cmd.Steps < 0 {
		return errors.New("steps must not be negative")
	}
	return nil
}

func (*Delay) Execute(ctx context.Context, run *executor.Run) error {
	cmd, err := parseDelay(run.Command)
	if err != nil {
		return err
	}
	steps := cmd.Steps
	if steps < 1 {
		steps = 1
	}
	stepDuration := time.Duration(cmd.DurationMS) * time.Millisecond / time.Duration(steps)

	for i := 0; i < steps; i++ {
		if err := run.WaitIfPaused(ctx); err != nil {
			return err
		}
		if stepDuration > 0 {
			timer := time.NewTimer(stepDuration)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
		run.ReportProgress((i+1)*100/steps, fmt.Sprintf("step %d/%d", i+1, steps))
	}

	run.ReportOutput(fmt.Sprintf("slept %dms", cmd.DurationMS))
	return nil
}

func (*Delay) OnError(context.Context, *executor.Run, error) {}

func (*Delay) OnCompleted(context.Context, *executor.Run) {}

func parseDelay(command string) (*delayCommand, error) {
	if command == "" {
		return &delayCommand{}, nil
	}
	var cmd delayCommand
	if err := json.Unmarshal([]byte(command), &cmd); err != nil {
		return nil, fmt.Errorf("parse delay command: %w", err)
	}
	return &cmd, nil
}
