package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowmill-org/flowmill/internal/eventbus"
	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/specfile"
)

// CmdStart creates the command that runs a job spec file to completion.
func CmdStart() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags] <spec file>",
		Short: "Run a job from a YAML spec file",
		Long: `Submit the job described by the spec file and run it to completion.

The process streams task progress to the log and exits with the job's
final status: zero on success, non-zero on failure or cancellation.
Interrupting the process cancels the job.`,
		Args: cobra.ExactArgs(1),
		RunE: runFunc(runStart),
	}
	cmd.Flags().String("job-id", "", "job id to assign (defaults to a random id)")
	return cmd
}

func runStart(ctx *Context, args []string) error {
	spec, err := specfile.LoadJob(args[0])
	if err != nil {
		return err
	}
	jobID, _ := ctx.Command.Flags().GetString("job-id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	done := make(chan models.JobStatus, 1)
	job := ctx.Manager.Job(jobID)
	sub := ctx.Manager.Events().Subscribe(jobID, eventbus.Handler[models.ExecutionEvent]{
		OnEvent: func(evt models.ExecutionEvent) {
			switch evt.Type {
			case models.EventProgress:
				if evt.Progress != nil {
					logger.Debug(ctx, "Task progress",
						tag.Task(evt.TaskID), tag.Progress(*evt.Progress))
				}
			case models.EventStatusChanged:
				if evt.TaskID != "" {
					logger.Info(ctx, "Task status",
						tag.Task(evt.TaskID), "status", evt.Message)
				}
			case models.EventError:
				logger.Warn(ctx, "Task error",
					tag.Task(evt.TaskID), "reason", evt.ExceptionText)
			case models.EventCompleted:
				if evt.TaskID == "" {
					if status, ok := models.ParseJobStatus(evt.Message); ok {
						select {
						case done <- status:
						default:
						}
					}
				}
			}
		},
	})
	defer ctx.Manager.Events().Unsubscribe(sub)

	if err := job.Submit(ctx, spec); err != nil {
		return err
	}
	logger.Info(ctx, "Job submitted", tag.Job(jobID), "name", spec.Name)
	if err := job.Start(ctx); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var final models.JobStatus
	select {
	case final = <-done:
	case <-signalCtx.Done():
		logger.Warn(ctx, "Interrupted, cancelling job", tag.Job(jobID))
		if err := job.Cancel(ctx); err != nil {
			return err
		}
		final = <-done
	}

	printFinalStatus(jobID, final)
	if final != models.JobStatusSucceeded {
		return fmt.Errorf("job %s finished with status %s", jobID, final)
	}
	return nil
}

func printFinalStatus(jobID string, status models.JobStatus) {
	var paint *color.Color
	switch status {
	case models.JobStatusSucceeded:
		paint = color.New(color.FgGreen, color.Bold)
	case models.JobStatusCancelled:
		paint = color.New(color.FgYellow, color.Bold)
	default:
		paint = color.New(color.FgRed, color.Bold)
	}
	fmt.Printf("job %s: %s\n", jobID, paint.Sprint(status.String()))
}
