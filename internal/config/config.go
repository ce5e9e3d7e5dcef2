package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the server-side configuration, read from config.yaml and
// XAUDIT_* environment variables.
type Config struct {
	Port                int    `mapstructure:"port"`
	DatabaseURL         string `mapstructure:"database_url"`
	LogLevel            string `mapstructure:"log_level"`
	WorkspaceDir        string `mapstructure:"workspace_dir"`
	MaxConcurrentAudits int    `mapstructure:"max_concurrent_audits"`
	MaxToolConcurrency  int    `mapstructure:"max_tool_concurrency"`

	DefaultMaxIterations  int `mapstructure:"default_max_iterations"`
	DefaultTimeoutSec     int `mapstructure:"default_timeout_sec"`
	MaxIterationsCeiling  int `mapstructure:"max_iterations_ceiling"`
	MaxTimeoutSec         int `mapstructure:"max_timeout_sec"`
	AcquireAttemptSec     int `mapstructure:"acquire_attempt_sec"`
	ForcedCancelGraceSec  int `mapstructure:"forced_cancel_grace_sec"`
	StreamPollIntervalSec int `mapstructure:"stream_poll_interval_sec"`
	StreamIdleTimeoutSec  int `mapstructure:"stream_idle_timeout_sec"`
	ShutdownTimeoutSec    int `mapstructure:"shutdown_timeout_sec"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/xaudit/")
	viper.AddConfigPath("$HOME/.xaudit")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_url", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("workspace_dir", "/tmp/xaudit")
	viper.SetDefault("max_concurrent_audits", 4)
	viper.SetDefault("max_tool_concurrency", 3)
	viper.SetDefault("default_max_iterations", 10)
	viper.SetDefault("default_timeout_sec", 3600)
	viper.SetDefault("max_iterations_ceiling", 100)
	viper.SetDefault("max_timeout_sec", 4*3600)
	viper.SetDefault("acquire_attempt_sec", 120)
	viper.SetDefault("forced_cancel_grace_sec", 10)
	viper.SetDefault("stream_poll_interval_sec", 2)
	viper.SetDefault("stream_idle_timeout_sec", 60)
	viper.SetDefault("shutdown_timeout_sec", 15)

	// Environment variables
	viper.SetEnvPrefix("XAUDIT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) AcquireAttemptTimeout() time.Duration {
	return time.Duration(c.AcquireAttemptSec) * time.Second
}

func (c *Config) ForcedCancelGrace() time.Duration {
	return time.Duration(c.ForcedCancelGraceSec) * time.Second
}

func (c *Config) StreamPollInterval() time.Duration {
	return time.Duration(c.StreamPollIntervalSec) * time.Second
}

func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSec) * time.Second
}
