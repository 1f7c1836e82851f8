package config

import (
	"runtime"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets prefork defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.PreforkProcessNumber == 0 {
		cfg.PreforkProcessNumber = runtime.NumCPU()
	}
	if cfg.ThreadNumberPerProcess == 0 {
		cfg.ThreadNumberPerProcess = 1024
	}
	if cfg.SleepTimer == 0 {
		cfg.SleepTimer = time.Second
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.PidFile == "" {
		cfg.PidFile = "/tmp/prefork.pid"
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst == 0 {
		cfg.AcceptBurst = 1
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Registering defaults with viper
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
