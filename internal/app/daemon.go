package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Check or steer the monitoring daemon through the watchdog",
	}

	daemonPingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Ask the daemon to answer a liveness check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).DaemonLiveness(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Daemon is alive")
			return nil
		},
	}

	daemonHealthCheckCmd = &cobra.Command{
		Use:   "health-check on|off",
		Short: "Enable or disable the daemon's process health checking",
		Long: `Enable or disable the daemon's process health checking. The daemon must
be connected; the request is not queued.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := newClient(cfg).DaemonHealthCheck(cmd.Context(), enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Process health check %s\n", args[0])
			return nil
		},
	}
)

func init() {
	daemonCmd.AddCommand(daemonPingCmd)
	daemonCmd.AddCommand(daemonHealthCheckCmd)
}
