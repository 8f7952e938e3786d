package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/cmd/tock/commands"
	"github.com/teranos/tock/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tock",
	Short: "tock - distributed minute-driven job scheduler",
	Long: `tock - distributed minute-driven job scheduler.

A master matches recurring schedules against the calendar once a minute and
spawns due commands on connected workers, capturing their output.

Available commands:
  master    - Run the dispatch engine
  worker    - Run a worker that executes spawned commands
  schedule  - Manage recurring job schedules
  job       - Submit, list, kill and inspect jobs
  workers   - List workers connected to the master
  am        - Manage tock configuration ("I am")
  version   - Show version information

Examples:
  tock master                            # Run the master
  tock worker                            # Connect a worker to the configured master
  tock schedule add "*/5 * * * *" -- backup.sh --all
  tock job run --sync -- echo hello      # Run now and wait for the result
  tock job logs <id> -f                  # Follow a running job's output`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that print config or version stay free of log output
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}

		jsonOutput := false
		level := "info"
		if cfg, err := am.Load(); err == nil {
			jsonOutput = cfg.Log.JSON
			level = cfg.Log.Level
		}
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logger.SetLevelName(level); err != nil {
			logger.Warnw("Ignoring invalid log level", "level", level, "error", err)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetLevel(logger.VerbosityToLevel(verbosity, logger.Level()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.MasterCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.WorkersCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
