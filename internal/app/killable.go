package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/output"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

var (
	killableUser int

	killableCmd = &cobra.Command{
		Use:   "killable",
		Short: "Show or change whether packages may be killed on overuse",
		Long: `Packages are YES (disabled on overuse), NO (never disabled by the
watchdog, set by the user) or NEVER (system and vendor packages, which
cannot be changed).`,
	}

	killableListCmd = &cobra.Command{
		Use:   "list",
		Short: "List killable states",
		Args:  cobra.NoArgs,
		RunE:  runKillableList,
	}

	killableSetCmd = &cobra.Command{
		Use:   "set <package> yes|no",
		Short: "Set a package's killable state",
		Example: `  # Keep a package running however much it writes
  iowatchdog killable set com.example.app no --user 10

  # Apply to every user
  iowatchdog killable set com.example.app yes`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"yes", "no"},
		RunE:      runKillableSet,
	}
)

func init() {
	killableCmd.PersistentFlags().IntVar(&killableUser, "user", perf.AllUsers, "user ID (default: all users)")
	killableCmd.AddCommand(killableListCmd)
	killableCmd.AddCommand(killableSetCmd)
}

func runKillableList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states, err := newClient(cfg).KillableStates(cmd.Context(), killableUser)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderKillableTable(states))
	return nil
}

func runKillableSet(cmd *cobra.Command, args []string) error {
	pkg := args[0]
	var killable bool
	switch strings.ToLower(args[1]) {
	case "yes":
		killable = true
	case "no":
		killable = false
	default:
		return fmt.Errorf("invalid killable state %q (want yes or no)", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).SetKillable(cmd.Context(), pkg, killableUser, killable); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s killable: %s\n", pkg, strings.ToUpper(args[1]))
	return nil
}
