package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/output"
)

var (
	statsUser int
	statsDays int

	statsCmd = &cobra.Command{
		Use:   "stats [package]",
		Short: "Show disk I/O usage per package",
		Long: `Show today's bytes written per package, split by foreground, background
and idle-maintenance state. With a package name, show that package's
remaining allowance and its history over the last --days days.`,
		Example: `  # All packages, heaviest writer first
  iowatchdog stats

  # One package for user 10 over the last week
  iowatchdog stats com.example.app --user 10 --days 7`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStats,
	}
)

func init() {
	statsCmd.Flags().IntVar(&statsUser, "user", -1, "user ID for a single package (default: current user)")
	statsCmd.Flags().IntVar(&statsDays, "days", 1, "history period in days")
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newClient(cfg)
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		stats, err := client.UsageStats(cmd.Context(), resolveUser(cfg, statsUser), args[0], statsDays)
		if err != nil {
			return err
		}
		fmt.Fprint(out, output.RenderUsageDetail(*stats, statsDays))
		return nil
	}

	all, err := client.AllUsageStats(cmd.Context(), statsDays)
	if err != nil {
		return err
	}
	fmt.Fprint(out, output.RenderUsageTable(all))
	return nil
}
