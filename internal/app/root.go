package app

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	controlAddr string
	logLevel    string

	// RootCmd is the root command for iowatchdog
	RootCmd = &cobra.Command{
		Use:   "iowatchdog",
		Short: "Disk I/O overuse watchdog for installed packages",
		Long: `iowatchdog tracks how many bytes each installed package writes to disk,
compares the totals against the configured overuse thresholds and disables
packages that keep overusing when they are marked killable.

The watchdog runs as a service ('iowatchdog run') next to the monitoring
daemon that reports I/O stats. Every other command talks to the running
service over its control API.

Quick Start:
  1. iowatchdog config validate       # Check the overuse configurations
  2. iowatchdog run --daemon          # Start the service
  3. iowatchdog stats                 # Today's usage per package

Examples:
  # Check service status
  iowatchdog status

  # Show one package's history over the last week
  iowatchdog stats com.example.app --days 7

  # Never kill a package for user 10
  iowatchdog killable set com.example.app no --user 10

  # Forget a package's overuse history
  iowatchdog reset com.example.app`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/iowatchdog/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "control API address (default from config)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")

	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(statsCmd)
	RootCmd.AddCommand(killableCmd)
	RootCmd.AddCommand(resetCmd)
	RootCmd.AddCommand(notificationCmd)
	RootCmd.AddCommand(recentCmd)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(modeCmd)
	RootCmd.AddCommand(daemonCmd)
}

// Execute runs the root command
func Execute() error {
	return RootCmd.ExecuteContext(context.Background())
}
