// Package config loads the service configuration and the overuse
// configuration files, and reloads the latter when they change.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables that override config keys.
// Nested keys use underscores: IOWATCHDOG_DAEMON_URL.
const EnvPrefix = "IOWATCHDOG"

// Dir returns the iowatchdog config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/iowatchdog if XDG_CONFIG_HOME is not set.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "iowatchdog"), nil
}

// Config is the service configuration.
type Config struct {
	DataDir          string `mapstructure:"data_dir"`
	DBPath           string `mapstructure:"db_path"`
	PIDFile          string `mapstructure:"pid_file"`
	OveruseConfigDir string `mapstructure:"overuse_config_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Control   ControlConfig   `mapstructure:"control"`
	Packages  PackagesConfig  `mapstructure:"packages"`
	Enabler   EnablerConfig   `mapstructure:"enabler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DaemonConfig locates the counterpart daemon.
type DaemonConfig struct {
	URL string `mapstructure:"url"`
	// Socket, when set, dials URL over this unix socket.
	Socket           string        `mapstructure:"socket"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	LivenessTimeout  time.Duration `mapstructure:"liveness_timeout"`
}

// ControlConfig is the operator API served by `iowatchdog run`.
type ControlConfig struct {
	Addr string `mapstructure:"addr"`
}

// PackagesConfig selects where installed packages are listed from. The
// command wins when set; otherwise the manifest is read.
type PackagesConfig struct {
	Manifest     string   `mapstructure:"manifest"`
	Command      []string `mapstructure:"command"`
	UsersCommand []string `mapstructure:"users_command"`
	CurrentUser  int      `mapstructure:"current_user"`
}

type EnablerConfig struct {
	StateCommand []string `mapstructure:"state_command"`
	SetCommand   []string `mapstructure:"set_command"`
}

// PolicyConfig tunes overuse enforcement.
type PolicyConfig struct {
	RecurringOveruseTimes      int           `mapstructure:"recurring_overuse_times"`
	RecurringOverusePeriodDays int           `mapstructure:"recurring_overuse_period_days"`
	KillableStateResetDays     int           `mapstructure:"killable_state_reset_days"`
	OveruseHandlingDelay       time.Duration `mapstructure:"overuse_handling_delay"`
	NotificationBaseID         int           `mapstructure:"notification_base_id"`
	DateCheckInterval          time.Duration `mapstructure:"date_check_interval"`
}

type TelemetryConfig struct {
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("data_dir", dir)
	v.SetDefault("db_path", filepath.Join(dir, "iowatchdog.db"))
	v.SetDefault("pid_file", filepath.Join(dir, "iowatchdog.pid"))
	v.SetDefault("overuse_config_dir", filepath.Join(dir, "overuse.d"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("daemon.url", "ws://127.0.0.1:9476/watchdog")
	v.SetDefault("daemon.socket", "")
	v.SetDefault("daemon.request_timeout", 10*time.Second)
	v.SetDefault("daemon.liveness_interval", 30*time.Second)
	v.SetDefault("daemon.liveness_timeout", 5*time.Second)

	v.SetDefault("control.addr", "127.0.0.1:9477")

	v.SetDefault("packages.manifest", filepath.Join(dir, "packages.json"))
	v.SetDefault("packages.command", []string{})
	v.SetDefault("packages.users_command", []string{})
	v.SetDefault("packages.current_user", 0)

	v.SetDefault("enabler.state_command", []string{})
	v.SetDefault("enabler.set_command", []string{})

	v.SetDefault("policy.recurring_overuse_times", 2)
	v.SetDefault("policy.recurring_overuse_period_days", 14)
	v.SetDefault("policy.killable_state_reset_days", 90)
	v.SetDefault("policy.overuse_handling_delay", time.Second)
	v.SetDefault("policy.notification_base_id", 1000)
	v.SetDefault("policy.date_check_interval", time.Minute)

	v.SetDefault("telemetry.publish_interval", time.Hour)
}

// Load reads the config file at path, or config.yaml in Dir when path is
// empty. A missing default file is not an error. Environment variables
// override the file.
func Load(path string) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to find config directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
