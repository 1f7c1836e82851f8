package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete prefork server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PREFORK_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Lifecycle hooks and the connection handler are not part of the file
// configuration; the host program supplies them in code.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains process, admission and addressing settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the prefork settings.
type ServerConfig struct {
	// PreforkProcessNumber is the number of worker processes.
	// 1 serves from the current process without spawning.
	PreforkProcessNumber int `mapstructure:"prefork_process_number" yaml:"prefork_process_number" validate:"required,gte=1"`

	// ThreadNumberPerProcess is the admission threshold of each worker:
	// a worker stops accepting once more connections than this are in flight.
	ThreadNumberPerProcess int `mapstructure:"thread_number_per_process" yaml:"thread_number_per_process" validate:"required,gte=1"`

	// SleepTimer is how long a saturated worker waits before checking again.
	// Accepts a duration ("500ms") or a plain number of seconds.
	SleepTimer time.Duration `mapstructure:"sleep_timer" yaml:"sleep_timer" validate:"required,gt=0"`

	// Host is the numeric bind address. Empty binds the wildcard address.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the numeric TCP port.
	Port string `mapstructure:"port" yaml:"port" validate:"required"`

	// PidFile is where the parent (or single) process writes its PID.
	PidFile string `mapstructure:"pid_file" yaml:"pid_file" validate:"required"`

	// PidLock holds an exclusive lock on "<pid_file>.lock" while running.
	PidLock bool `mapstructure:"pid_lock" yaml:"pid_lock"`

	// User and Group are the identity to switch to when started as root.
	User  string `mapstructure:"user" yaml:"user"`
	Group string `mapstructure:"group" yaml:"group"`

	// AcceptRate caps accepts per second in each worker. 0 is unlimited.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"gte=0"`

	// AcceptBurst is the token bucket size used with AcceptRate.
	AcceptBurst int `mapstructure:"accept_burst" yaml:"accept_burst" validate:"gte=0"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"processes": "server.prefork_process_number",
	"threads":   "server.thread_number_per_process",
	"host":      "server.host",
	"port":      "server.port",
	"pid-file":  "server.pid_file",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PREFORK_*)
//  2. Configuration file
//  3. Default values
//
// A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with CLI flags layered on top. Only flags that were
// set on the command line override other sources.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use PREFORK_ prefix and underscores
	// Example: PREFORK_SERVER_PREFORK_PROCESS_NUMBER=4
	v.SetEnvPrefix("PREFORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	setDefaults(v, GetDefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/prefork/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("server.prefork_process_number", d.Server.PreforkProcessNumber)
	v.SetDefault("server.thread_number_per_process", d.Server.ThreadNumberPerProcess)
	v.SetDefault("server.sleep_timer", d.Server.SleepTimer.String())
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.pid_file", d.Server.PidFile)
	v.SetDefault("server.pid_lock", d.Server.PidLock)
	v.SetDefault("server.user", d.Server.User)
	v.SetDefault("server.group", d.Server.Group)
	v.SetDefault("server.accept_rate", d.Server.AcceptRate)
	v.SetDefault("server.accept_burst", d.Server.AcceptBurst)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is also fine
		if configPath != "" && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

func decode(input map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// durationHook decodes durations from Go duration strings ("500ms") or from
// plain numbers, which are taken as seconds.
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return seconds(secs), nil
		}
		return time.ParseDuration(strings.TrimSpace(v))
	case int:
		return seconds(float64(v)), nil
	case int64:
		return seconds(float64(v)), nil
	case float64:
		return seconds(v), nil
	}
	return data, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "prefork")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "prefork")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
