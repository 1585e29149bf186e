package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowmill-org/flowmill/internal/logger"
	"github.com/flowmill-org/flowmill/internal/logger/tag"
	"github.com/flowmill-org/flowmill/internal/specfile"
)

// CmdSchedule creates the command that runs a recurring job template.
func CmdSchedule() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule [flags] <template file>",
		Short: "Run a recurring job template",
		Long: `Configure and enable the scheduled-job template described by the file,
then keep the scheduler running until interrupted. Each cron occurrence
spawns an independent job from the template.`,
		Args: cobra.ExactArgs(1),
		RunE: runFunc(runSchedule),
	}
	cmd.Flags().String("schedule-id", "", "template id to assign (defaults to the file's job name)")
	return cmd
}

func runSchedule(ctx *Context, args []string) error {
	spec, err := specfile.LoadSchedule(args[0])
	if err != nil {
		return err
	}
	scheduleID, _ := ctx.Command.Flags().GetString("schedule-id")
	if scheduleID == "" {
		scheduleID = spec.JobTemplate.Name
	}
	if scheduleID == "" {
		return fmt.Errorf("template has no job name; pass --schedule-id")
	}

	sched := ctx.Manager.ScheduledJob(scheduleID)
	if err := sched.Configure(ctx, spec); err != nil {
		return err
	}
	if err := sched.Enable(ctx); err != nil {
		return err
	}
	state := sched.GetState(ctx)
	logger.Info(ctx, "Schedule running",
		tag.Schedule(scheduleID),
		"cron", state.CronExpression,
		"next", state.NextRunAt,
	)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	logger.Info(ctx, "Interrupted, disabling schedule", tag.Schedule(scheduleID))
	return sched.Disable(ctx)
}
