package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/iowatchdog/internal/config"
	"github.com/blackwell-systems/iowatchdog/internal/output"
	"github.com/blackwell-systems/iowatchdog/internal/service"
)

const stopTimeout = 15 * time.Second

var (
	runDaemon      bool
	runDaemonChild bool
	runPIDFile     string
	runLogFile     string
	runStop        bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the watchdog service",
		Long: `Run the watchdog service.

The service connects to the monitoring daemon, pushes the overuse
configurations to it and records the I/O stats it reports. Packages that
exceed their thresholds are disabled when they are killable, and the day's
usage is written to the database when the date changes and on shutdown.

Run modes:
  • Foreground (default): Run in the current terminal with Ctrl+C to stop
  • Daemon: Run as a background process
  • Stop: Stop a running daemon

The overuse configuration directory is watched, and edits are pushed to the
daemon without a restart.`,
		Example: `  # Run in foreground (Ctrl+C to stop)
  iowatchdog run

  # Run as background daemon
  iowatchdog run --daemon

  # Stop running daemon
  iowatchdog run --stop

  # Use custom PID and log files
  iowatchdog run --daemon --pid-file /tmp/iowatchdog.pid --log-file /tmp/iowatchdog.log`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
)

func init() {
	runCmd.Flags().BoolVar(&runDaemon, "daemon", false, "run as background daemon")
	runCmd.Flags().BoolVar(&runDaemonChild, "daemon-child", false, "internal flag for daemon child process")
	runCmd.Flags().StringVar(&runPIDFile, "pid-file", "", "PID file path (default from config)")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "log file path (default: iowatchdog.log in the data directory)")
	runCmd.Flags().BoolVar(&runStop, "stop", false, "stop running daemon")

	// Hide the internal daemon-child flag from help
	_ = runCmd.Flags().MarkHidden("daemon-child")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPIDFile != "" {
		cfg.PIDFile = runPIDFile
	}
	logFile := runLogFile
	if logFile == "" {
		logFile = cfg.Log.File
	}
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "iowatchdog.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case runStop:
		return stopDaemon(out, cfg)
	case runDaemon:
		return startDaemon(out, cfg, logFile)
	case runDaemonChild:
		// stdout and stderr already point at the log file.
		defer service.RemovePIDFile(cfg.PIDFile, os.Getpid())
		return runService(cmd, cfg, os.Stderr)
	default:
		return runForeground(cmd, cfg)
	}
}

func stopDaemon(out io.Writer, cfg *config.Config) error {
	running, err := service.IsDaemonRunning(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if !running {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	spinner := output.NewSpinner(out, "Stopping watchdog").Start()
	if err := service.StopDaemon(cfg.PIDFile, stopTimeout); err != nil {
		spinner.Stop()
		if errors.Is(err, service.ErrNotRunning) {
			fmt.Fprintln(out, "Daemon is not running")
			return nil
		}
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Watchdog stopped")
	return nil
}

func startDaemon(out io.Writer, cfg *config.Config, logFile string) error {
	args := []string{"run", "--daemon-child", "--pid-file", cfg.PIDFile, "--log-file", logFile}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if controlAddr != "" {
		args = append(args, "--addr", controlAddr)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	spinner := output.NewSpinner(out, "Starting watchdog").Start()
	pid, err := service.StartDaemon(args, cfg.PIDFile, logFile)
	if err != nil {
		spinner.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	spinner.StopWithMessage("✓ Watchdog started")

	fmt.Fprintf(out, "\nWatchdog daemon started (PID %d)\n", pid)
	fmt.Fprintf(out, "  PID file:    %s\n", cfg.PIDFile)
	fmt.Fprintf(out, "  Log file:    %s\n", logFile)
	fmt.Fprintf(out, "  Control API: %s\n", cfg.Control.Addr)
	fmt.Fprintf(out, "\nTo stop: iowatchdog run --stop\n")
	return nil
}

func runForeground(cmd *cobra.Command, cfg *config.Config) error {
	running, err := service.IsDaemonRunning(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("failed to check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("watchdog already running (PID file: %s)", cfg.PIDFile)
	}

	logOut := io.Writer(cmd.ErrOrStderr())
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	pid := os.Getpid()
	if err := service.WritePIDFile(cfg.PIDFile, pid); err != nil {
		return err
	}
	defer service.RemovePIDFile(cfg.PIDFile, pid)

	fmt.Fprintln(cmd.OutOrStdout(), "Starting watchdog (press Ctrl+C to stop)...")
	return runService(cmd, cfg, logOut)
}

func runService(cmd *cobra.Command, cfg *config.Config, logOut io.Writer) error {
	logger, err := newLogger(logOut, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger, service.Options{})
	if err != nil {
		logger.Error(ctx, "failed to start watchdog", slog.Error(err))
		return err
	}
	return svc.Run(ctx)
}
