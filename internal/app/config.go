package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/iowatchdog/internal/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect overuse configurations",
	}

	configValidateCmd = &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate the overuse configuration files",
		Long: `Parse and validate every overuse configuration file in dir, or in the
configured overuse directory. Works without a running watchdog.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConfigValidate,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the configurations the running watchdog enforces",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
)

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var dir string
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.OveruseConfigDir
	}

	configs, err := config.LoadOveruseDir(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %d overuse configurations valid in %s\n", len(configs), dir)
	for _, c := range configs {
		var thresholds int
		if c.IoOveruse != nil {
			thresholds = len(c.IoOveruse.PackageSpecificThresholds)
		}
		fmt.Fprintf(out, "  %-12s %d package thresholds, %d safe-to-kill packages\n",
			c.ComponentType, thresholds, len(c.SafeToKillPackages))
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configs, err := newClient(cfg).Configurations(cmd.Context())
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(configs)
	if err != nil {
		return fmt.Errorf("failed to encode configurations: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
