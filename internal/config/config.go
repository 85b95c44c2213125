// Package config loads regsync settings from file, environment, and flags.
//
// Precedence is viper's usual order: explicit flag binds, then REGSYNC_*
// environment variables, then ~/.regsync/config.yaml, then defaults.
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

// Config is the resolved regsync configuration.
type Config struct {
	// ServerURL is the registration server base URL.
	ServerURL string `mapstructure:"server_url"`

	// StateDir holds the queue database, wake marker, and session file.
	StateDir string `mapstructure:"state_dir"`

	// NotifyPort is the daemon's local WebSocket event port.
	NotifyPort int `mapstructure:"notify_port"`

	// ProbeInterval is how often the daemon probes connectivity.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// DropDir, when set, is watched by the daemon; files dropped there
	// are enqueued as document uploads.
	DropDir string `mapstructure:"drop_dir"`

	// LogFile is the daemon's rotated log destination. Empty logs to
	// stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load resolves the configuration. A missing config file is fine;
// defaults and environment cover everything.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	base := filepath.Join(home, ".regsync")

	v.SetDefault("server_url", "http://localhost:8787")
	v.SetDefault("state_dir", base)
	v.SetDefault("notify_port", 8788)
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("drop_dir", "")
	v.SetDefault("log_file", filepath.Join(base, "daemon.log"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(base)

	v.SetEnvPrefix("REGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

// QueuePath returns the queue database location.
func (c *Config) QueuePath() string {
	return filepath.Join(c.StateDir, "queue.db")
}

// SessionPath returns the stored session token location.
func (c *Config) SessionPath() string {
	return filepath.Join(c.StateDir, "session.json")
}
