// Package config loads service configuration from defaults, an optional YAML
// file, and ASU_-prefixed environment variables, in ascending precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	asub "github.com/aparcar/asu-builder"
)

// Config holds all configuration for the build service.
type Config struct {
	// Server
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Storage
	DatabasePath string `mapstructure:"database_path"`
	PublicPath   string `mapstructure:"public_path"`
	StorePath    string `mapstructure:"store_path"`

	// Container runtime
	ContainerSocketPath  string `mapstructure:"container_socket_path"`
	ImageBuilderRegistry string `mapstructure:"imagebuilder_registry"`

	// Build coordination
	MaxPendingJobs    int  `mapstructure:"max_pending_jobs"`
	JobTimeoutSeconds int  `mapstructure:"job_timeout_seconds"`
	BuildTTLSeconds   int  `mapstructure:"build_ttl_seconds"`
	FailureTTLSeconds int  `mapstructure:"failure_ttl_seconds"`
	AllowDefaults     bool `mapstructure:"allow_defaults"`

	// Workers
	WorkerConcurrent int `mapstructure:"worker_concurrent"`
	WorkerPollSecs   int `mapstructure:"worker_poll_seconds"`

	// Validation caps
	MaxDefaultsLength     int `mapstructure:"max_defaults_length"`
	MaxCustomRootfsSizeMB int `mapstructure:"max_custom_rootfs_size_mb"`

	// Package resolution
	PackageRulesPath string `mapstructure:"package_rules_path"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the optional config file and environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ASU")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/asu/")
	v.AddConfigPath("$HOME/.asu")
	v.AddConfigPath(".")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	v.SetDefault("database_path", "./data/asu-builder.db")
	v.SetDefault("public_path", "./public")
	v.SetDefault("store_path", "./public/store")

	v.SetDefault("container_socket_path", "/run/podman/podman.sock")
	v.SetDefault("imagebuilder_registry", "ghcr.io/openwrt/imagebuilder")

	v.SetDefault("max_pending_jobs", 200)
	v.SetDefault("job_timeout_seconds", 600)  // 10 minutes
	v.SetDefault("build_ttl_seconds", 86400)  // 1 day
	v.SetDefault("failure_ttl_seconds", 3600) // 1 hour
	v.SetDefault("allow_defaults", true)

	v.SetDefault("worker_concurrent", 4)
	v.SetDefault("worker_poll_seconds", 5)

	v.SetDefault("max_defaults_length", 20480) // 20KB of first-boot script
	v.SetDefault("max_custom_rootfs_size_mb", 1024)

	v.SetDefault("package_rules_path", "")
	v.SetDefault("log_level", "info")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.MaxPendingJobs < 1 {
		return fmt.Errorf("max_pending_jobs must be at least 1")
	}
	if c.WorkerConcurrent < 1 {
		return fmt.Errorf("worker_concurrent must be at least 1")
	}
	if c.JobTimeoutSeconds < 1 {
		return fmt.Errorf("job_timeout_seconds must be at least 1")
	}
	return nil
}

// Limits returns the request validation caps in the form the canonicalizer
// takes.
func (c *Config) Limits() asub.Limits {
	return asub.Limits{
		MaxDefaultsLength: c.MaxDefaultsLength,
		MaxRootfsSizeMB:   c.MaxCustomRootfsSizeMB,
		AllowDefaults:     c.AllowDefaults,
	}
}

// JobTimeout returns the per-build deadline as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// WorkerPoll returns the dispatcher tick interval.
func (c *Config) WorkerPoll() time.Duration {
	return time.Duration(c.WorkerPollSecs) * time.Second
}

// BuildTTL returns how long successful results are served from cache.
func (c *Config) BuildTTL() time.Duration {
	return time.Duration(c.BuildTTLSeconds) * time.Second
}

// FailureTTL returns how long failed results are retained.
func (c *Config) FailureTTL() time.Duration {
	return time.Duration(c.FailureTTLSeconds) * time.Second
}

func (c *Config) expandPaths() error {
	var err error
	if c.DatabasePath, err = expandPath(c.DatabasePath); err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}
	if c.PublicPath, err = expandPath(c.PublicPath); err != nil {
		return fmt.Errorf("failed to expand public_path: %w", err)
	}
	if c.StorePath, err = expandPath(c.StorePath); err != nil {
		return fmt.Errorf("failed to expand store_path: %w", err)
	}
	if c.PackageRulesPath != "" {
		if c.PackageRulesPath, err = expandPath(c.PackageRulesPath); err != nil {
			return fmt.Errorf("failed to expand package_rules_path: %w", err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}
