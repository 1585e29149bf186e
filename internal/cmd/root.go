// Package cmd assembles the flowmill command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flowmill-org/flowmill/internal/build"
)

// CmdRoot builds the root command with all subcommands attached.
func CmdRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           build.AppName,
		Short:         "Job orchestration engine",
		Long:          `Flowmill runs DAGs of tasks with retries, pause gates, cron recurrence and durable state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the configuration file")
	root.PersistentFlags().String("log-format", "", "log output format (text or json)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().BoolP("quiet", "q", false, "suppress log output")

	root.AddCommand(
		CmdStart(),
		CmdStatus(),
		CmdSchedule(),
		CmdVersion(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := CmdRoot().Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
