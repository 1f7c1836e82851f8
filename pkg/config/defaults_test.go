package config

import (
	"runtime"
	"testing"
	"time"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.PreforkProcessNumber != runtime.NumCPU() {
		t.Errorf("Expected %d processes, got %d", runtime.NumCPU(), cfg.Server.PreforkProcessNumber)
	}
	if cfg.Server.ThreadNumberPerProcess != 1024 {
		t.Errorf("Expected 1024 threads per process, got %d", cfg.Server.ThreadNumberPerProcess)
	}
	if cfg.Server.SleepTimer != time.Second {
		t.Errorf("Expected sleep_timer 1s, got %v", cfg.Server.SleepTimer)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port '8080', got %q", cfg.Server.Port)
	}
	if cfg.Server.PidFile != "/tmp/prefork.pid" {
		t.Errorf("Expected pid file '/tmp/prefork.pid', got %q", cfg.Server.PidFile)
	}
	if cfg.Server.Host != "" {
		t.Errorf("Expected empty host, got %q", cfg.Server.Host)
	}
	if cfg.Server.AcceptRate != 0 || cfg.Server.AcceptBurst != 0 {
		t.Errorf("Expected unlimited accepts, got rate=%v burst=%d", cfg.Server.AcceptRate, cfg.Server.AcceptBurst)
	}
}

func TestApplyDefaults_AcceptBurst(t *testing.T) {
	cfg := &Config{Server: ServerConfig{AcceptRate: 50}}
	ApplyDefaults(cfg)

	if cfg.Server.AcceptBurst != 1 {
		t.Errorf("Expected accept_burst 1 when only accept_rate is set, got %d", cfg.Server.AcceptBurst)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "debug",
			Format: "json",
			Output: "/var/log/prefork.log",
		},
		Server: ServerConfig{
			PreforkProcessNumber:   2,
			ThreadNumberPerProcess: 5,
			SleepTimer:             100 * time.Millisecond,
			Host:                   "127.0.0.1",
			Port:                   "9999",
			PidFile:                "/run/prefork.pid",
			AcceptRate:             10,
			AcceptBurst:            20,
		},
	}

	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json' preserved, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "/var/log/prefork.log" {
		t.Errorf("Expected output preserved, got %q", cfg.Logging.Output)
	}
	if cfg.Server.PreforkProcessNumber != 2 {
		t.Errorf("Expected 2 processes preserved, got %d", cfg.Server.PreforkProcessNumber)
	}
	if cfg.Server.ThreadNumberPerProcess != 5 {
		t.Errorf("Expected 5 threads preserved, got %d", cfg.Server.ThreadNumberPerProcess)
	}
	if cfg.Server.SleepTimer != 100*time.Millisecond {
		t.Errorf("Expected sleep_timer preserved, got %v", cfg.Server.SleepTimer)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("Expected port preserved, got %q", cfg.Server.Port)
	}
	if cfg.Server.PidFile != "/run/prefork.pid" {
		t.Errorf("Expected pid file preserved, got %q", cfg.Server.PidFile)
	}
	if cfg.Server.AcceptBurst != 20 {
		t.Errorf("Expected accept_burst preserved, got %d", cfg.Server.AcceptBurst)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid, got error: %v", err)
	}
}
