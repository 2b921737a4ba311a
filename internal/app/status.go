package app

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watchdog status",
	Long: `Show whether the watchdog is running, its connection to the monitoring
daemon and the packages it has disabled for overusing.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	running, err := service.IsDaemonRunning(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		fmt.Fprintf(out, "Watchdog:     running (PID file: %s)\n", cfg.PIDFile)
	} else {
		fmt.Fprintln(out, "Watchdog:     no PID file")
	}

	status, err := newClient(cfg).Status(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Control API:  unreachable at %s\n", cfg.Control.Addr)
		fmt.Fprintln(out, "\nRun 'iowatchdog run --daemon' to start the watchdog.")
		return nil
	}
	fmt.Fprintf(out, "Control API:  %s\n", cfg.Control.Addr)
	fmt.Fprintf(out, "Daemon link:  %s\n", status.DaemonState)
	fmt.Fprintf(out, "Clients:      %d registered\n", len(status.Clients))

	if len(status.DisabledPackages) == 0 {
		fmt.Fprintln(out, "\nNo packages disabled for overuse.")
		return nil
	}
	users := make([]int, 0, len(status.DisabledPackages))
	for u := range status.DisabledPackages {
		users = append(users, u)
	}
	sort.Ints(users)
	fmt.Fprintln(out, "\nDisabled for overuse:")
	for _, u := range users {
		for _, pkg := range status.DisabledPackages[u] {
			fmt.Fprintf(out, "  user %-5d %s\n", u, pkg)
		}
	}
	return nil
}
