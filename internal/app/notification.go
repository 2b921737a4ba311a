package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

var (
	notificationUser int

	notificationCmd = &cobra.Command{
		Use:   "notification dismiss|disable <package>",
		Short: "Act on an overuse notification",
		Long: `Answer the notification shown when a package overused its allowance.

  dismiss   Close the notification and keep the package
  disable   Disable the package now`,
		Example: `  iowatchdog notification disable com.example.app --user 10`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(perf.NotificationActionDismiss), string(perf.NotificationActionDisable)},
		RunE:      runNotification,
	}
)

func init() {
	notificationCmd.Flags().IntVar(&notificationUser, "user", -1, "user ID (default: current user)")
}

func runNotification(cmd *cobra.Command, args []string) error {
	action := perf.NotificationAction(args[0])
	if action != perf.NotificationActionDismiss && action != perf.NotificationActionDisable {
		return fmt.Errorf("unknown action %q (want dismiss or disable)", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).HandleNotificationAction(cmd.Context(), action, resolveUser(cfg, notificationUser), args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s\n", args[1], action)
	return nil
}
