// Package builtin holds the illustrative executors shipped with the
// engine.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/flowmill-org/flowmill/internal/executor"
)

// arithmeticCommand is the payload for the arithmetic executor.
type arithmeticCommand struct {
	Op       string    `json:"op"`
	Operands []float64 `json:"operands"`
}

// Arithmetic evaluates a simple operation over its operands and reports
// the result as the task output.
type Arithmetic struct{}

var _ executor.Executor = (*Arithmetic)(nil)

func (*Arithmetic) Type() string { return "arithmetic" }

func (*Arithmetic) Validate(_ context.Context, run *executor.Run) error {
	cmd, err := parseArithmetic(run.Command)
	if err != nil {
		return err
	}
	switch cmd.Op {
	case "add", "sub", "mul", "div":
	default:
		return fmt.Errorf("unsupported op %q", cmd.Op)
	}
	if len(cmd.Operands) == 0 {
		return errors.New("at least one operand is required")
	}
	return nil
}

func (*Arithmetic) Execute(ctx context.Context, run *executor.Run) error {
	cmd, err := parseArithmetic(run.Command)
	if err != nil {
		return err
	}
	if err := run.WaitIfPaused(ctx); err != nil {
		return err
	}

	result := cmd.Operands[0]
	for _, operand := range cmd.Operands[1:] {
		switch cmd.Op {
		case "add":
			result += operand
		case "sub":
			result -= operand
		case "mul":
			result *= operand
		case "div":
			if operand == 0 {
				return errors.New("division by zero")
			}
			result /= operand
		}
	}

	run.ReportProgress(100, "computed")
	run.ReportOutput(strconv.FormatFloat(result, 'f', -1, 64))
	return nil
}

func (*Arithmetic) OnError(context.Context, *executor.Run, error) {}

func (*Arithmetic) OnCompleted(context.Context, *executor.Run) {}

func parseArithmetic(command string) (*arithmeticCommand, error) {
	var cmd arithmeticCommand
	if err := json.Unmarshal([]byte(command), &cmd); err != nil {
		return nil, fmt.Errorf("parse arithmetic command: %w", err)
	}
	return &cmd, nil
}
