package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string        `yaml:"listen"`
	DBPath   string        `yaml:"db_path"`
	LogLevel string        `yaml:"log_level"`
	Wrapper  WrapperConfig `yaml:"wrapper"`
	Queue    QueueConfig   `yaml:"queue"`
	Events   EventsConfig  `yaml:"events"`
}

type WrapperConfig struct {
	BinaryPath         string `yaml:"binary_path"`
	AgentBinaryPath    string `yaml:"agent_binary_path"`
	BasePort           int    `yaml:"base_port"`
	PortRange          int    `yaml:"port_range"`
	IdleTimeoutSeconds int64  `yaml:"idle_timeout_seconds"`
	StartupSeconds     int64  `yaml:"startup_seconds"` // wrapper HTTP readiness timeout
}

type QueueConfig struct {
	MaxAgeSeconds int64 `yaml:"max_age_seconds"`
}

type EventsConfig struct {
	// RetentionDays bounds how long stored stream events are kept.
	// Zero disables the retention sweep entirely.
	RetentionDays int `yaml:"retention_days"`
}

const (
	defaultWrapperBasePort  = 42000
	defaultWrapperPortRange = 512
	defaultIdleTimeout      = int64(600)
	defaultStartupSeconds   = int64(30)
	defaultQueueMaxAge      = int64(6 * 60 * 60)
)

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "switchboard", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "switchboard", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return withDefaults(Config{}), path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	return withDefaults(cfg), path, nil
}

func withDefaults(cfg Config) Config {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.Wrapper.BasePort <= 0 {
		cfg.Wrapper.BasePort = defaultWrapperBasePort
	}
	if cfg.Wrapper.PortRange <= 0 {
		cfg.Wrapper.PortRange = defaultWrapperPortRange
	}
	if cfg.Wrapper.IdleTimeoutSeconds <= 0 {
		cfg.Wrapper.IdleTimeoutSeconds = defaultIdleTimeout
	}
	if cfg.Wrapper.StartupSeconds <= 0 {
		cfg.Wrapper.StartupSeconds = defaultStartupSeconds
	}
	if cfg.Queue.MaxAgeSeconds <= 0 {
		cfg.Queue.MaxAgeSeconds = defaultQueueMaxAge
	}
	if cfg.Events.RetentionDays < 0 {
		cfg.Events.RetentionDays = 0
	}
	return cfg
}
