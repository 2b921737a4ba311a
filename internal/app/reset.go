package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <package>...",
	Short: "Reset the overuse history of packages",
	Long: `Reset today's usage and the recorded overuse history of the named packages
for every user. Packages that were disabled for overusing are re-enabled.`,
	Example: `  iowatchdog reset com.example.app com.example.other`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).ResetStats(cmd.Context(), args); err != nil {
		return err
	}
	for _, pkg := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Reset %s\n", pkg)
	}
	return nil
}
