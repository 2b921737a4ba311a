package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/output"
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent overuse and kill records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		records, err := newClient(cfg).Recent(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), output.RenderRecentTable(records.Overuses, records.Kills))
		return nil
	},
}
