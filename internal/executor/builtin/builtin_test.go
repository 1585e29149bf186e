package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/executor"
)

func TestArithmeticAdd(t *testing.T) {
	e := &Arithmetic{}
	var output string
	run := &executor.Run{
		Command:  `{"op":"add","operands":[40,2]}`,
		OutputFn: func(out string) { output = out },
	}

	require.NoError(t, e.Validate(context.Background(), run))
	require.NoError(t, e.Execute(context.Background(), run))
	assert.Equal(t, "42", output)
}

func TestArithmeticOps(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{`{"op":"sub","operands":[10,4,1]}`, "5"},
		{`{"op":"mul","operands":[6,7]}`, "42"},
		{`{"op":"div","operands":[84,2]}`, "42"},
		{`{"op":"add","operands":[1.5,0.5]}`, "2"},
	}
	for _, tc := range tests {
		var output string
		run := &executor.Run{Command: tc.command, OutputFn: func(out string) { output = out }}
		require.NoError(t, (&Arithmetic{}).Execute(context.Background(), run))
		assert.Equal(t, tc.want, output, tc.command)
	}
}

func TestArithmeticDivisionByZero(t *testing.T) {
	run := &executor.Run{Command: `{"op":"div","operands":[1,0]}`}
	err := (&Arithmetic{}).Execute(context.Background(), run)
	require.Error(t, err)
}

func TestArithmeticValidate(t *testing.T) {
	for _, command := range []string{
		`not json`,
		`{"op":"mod","operands":[1,2]}`,
		`{"op":"add","operands":[]}`,
	} {
		run := &executor.Run{Command: command}
		require.Error(t, (&Arithmetic{}).Validate(context.Background(), run), command)
	}
}

func TestDelayReportsProgressPerStep(t *testing.T) {
	e := &Delay{}
	var progress []int
	run := &executor.Run{
		Command:    `{"duration_ms":50,"steps":5}`,
		ProgressFn: func(pct int, _ string) { progress = append(progress, pct) },
	}

	require.NoError(t, e.Validate(context.Background(), run))
	require.NoError(t, e.Execute(context.Background(), run))
	assert.Equal(t, []int{20, 40, 60, 80, 100}, progress)
}

func TestDelayHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	run := &executor.Run{Command: `{"duration_ms":10000,"steps":10}`}
	start := time.Now()
	err := (&Delay{}).Execute(ctx, run)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDelayPauseCheckpoint(t *testing.T) {
	blocked := make(chan struct{}, 1)
	release := make(chan struct{})
	run := &executor.Run{
		Command: `{"duration_ms":20,"steps":2}`,
		PauseWaitFn: func(ctx context.Context) error {
			select {
			case blocked <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	done := make(chan error, 1)
	go func() { done <- (&Delay{}).Execute(context.Background(), run) }()

	<-blocked
	close(release)
	require.NoError(t, <-done)
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(&Arithmetic{})
	reg.Register(&Delay{})

	for _, typ := range []string{"arithmetic", "delay"} {
		e, err := reg.Lookup(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, e.Type())
	}

	_, err := reg.Lookup("teleport")
	require.Error(t, err)
}
