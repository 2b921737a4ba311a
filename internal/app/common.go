package app

import (
	"fmt"
	"io"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/blackwell-systems/iowatchdog/internal/config"
	"github.com/blackwell-systems/iowatchdog/internal/controlapi"
)

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if controlAddr != "" {
		cfg.Control.Addr = controlAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newClient(cfg *config.Config) *controlapi.Client {
	return controlapi.NewClient(cfg.Control.Addr)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", level)
	}
}

func newLogger(w io.Writer, level string) (slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return slog.Logger{}, err
	}
	return slog.Make(sloghuman.Sink(w)).Leveled(lvl), nil
}

// resolveUser maps the unset --user value to the configured current user.
func resolveUser(cfg *config.Config, user int) int {
	if user < 0 {
		return cfg.Packages.CurrentUser
	}
	return user
}
