package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/flowmill-org/flowmill/internal/models"
	"github.com/flowmill-org/flowmill/internal/persistence"
	"github.com/flowmill-org/flowmill/internal/stringutil"
)

// CmdStatus creates the command that prints the stored state of a job, or
// lists all known jobs when no id is given. Only meaningful with a durable
// store backend.
func CmdStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job id]",
		Short: "Show the stored state of a job",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFunc(runStatus),
	}
}

func runStatus(ctx *Context, args []string) error {
	if len(args) == 0 {
		return listJobs(ctx)
	}
	state := ctx.Manager.Job(args[0]).GetState(ctx)
	if state == nil {
		return fmt.Errorf("job %q: %w", args[0], persistence.ErrNotFound)
	}
	printJobState(state)
	return nil
}

func listJobs(ctx *Context) error {
	ids, err := ctx.Manager.ListJobIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := ctx.Manager.Job(id).GetState(ctx)
		if state == nil {
			continue
		}
		fmt.Printf("%-36s  %-10s  %3d%%  %s\n",
			id, statusPaint(state.Status).Sprint(state.Status), state.JobProgress,
			stringutil.FormatTime(state.CreatedAt))
	}
	return nil
}

func printJobState(state *models.JobState) {
	fmt.Printf("job:       %s (%s)\n", state.JobID, state.Name)
	fmt.Printf("status:    %s\n", statusPaint(state.Status).Sprint(state.Status))
	fmt.Printf("progress:  %d%% (%d/%d tasks)\n",
		state.JobProgress, state.CompletedTasks, state.TotalTasks)
	fmt.Printf("created:   %s\n", stringutil.FormatTime(state.CreatedAt))
	fmt.Printf("started:   %s\n", stringutil.FormatTime(state.StartedAt))
	fmt.Printf("completed: %s\n", stringutil.FormatTime(state.CompletedAt))

	keys := make([]string, 0, len(state.Tasks))
	for key := range state.Tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Println("tasks:")
	for _, key := range keys {
		view := state.Tasks[key]
		line := fmt.Sprintf("  %-20s %-10s %3d%%", key, view.Status, view.Progress)
		if view.IsRecurring {
			line += fmt.Sprintf("  runs=%d next=%s", view.RunCount, stringutil.FormatTime(view.NextRunAt))
		}
		if view.LastError != "" {
			line += "  error=" + stringutil.TruncString(view.LastError, 60)
		}
		fmt.Println(line)
	}
}

func statusPaint(status models.JobStatus) *color.Color {
	switch status {
	case models.JobStatusSucceeded:
		return color.New(color.FgGreen)
	case models.JobStatusFailed:
		return color.New(color.FgRed)
	case models.JobStatusCancelled, models.JobStatusCancelling:
		return color.New(color.FgYellow)
	case models.JobStatusRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}
