package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/controlapi"
)

var modeCmd = &cobra.Command{
	Use:   "mode display|idle-maintenance|distraction-optimization on|off",
	Short: "Report a system mode change to the watchdog",
	Long: `Report a system mode change to the watchdog. The modes decide when
recurring overusers are disabled and when notifications are shown:

  display                    Disables are held while the display is on and
                             applied as one batch when it turns off
  idle-maintenance           Disables are applied right away
  distraction-optimization   Notifications are deferred until it turns off`,
	Example: `  iowatchdog mode display off
  iowatchdog mode distraction-optimization on`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{controlapi.ModeDisplay, controlapi.ModeIdleMaintenance, controlapi.ModeDistractionOptimization},
	RunE:      runMode,
}

func runMode(cmd *cobra.Command, args []string) error {
	mode := args[0]
	switch mode {
	case controlapi.ModeDisplay, controlapi.ModeIdleMaintenance, controlapi.ModeDistractionOptimization:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	on, err := parseOnOff(args[1])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).SetSystemMode(cmd.Context(), mode, on); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s\n", mode, strings.ToLower(args[1]))
	return nil
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q (want on or off)", v)
	}
}
