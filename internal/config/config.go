// Package config loads executor configuration from the environment, with an
// optional YAML file for local development. All keys use the EXECUTOR_
// prefix, e.g. EXECUTOR_PLATFORM_API_KEY.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level executor configuration.
type Config struct {
	ExecutorID string         `mapstructure:"executor_id"`
	Env        string         `mapstructure:"env"` // production | development
	Debug      bool           `mapstructure:"debug"`
	Platform   PlatformConfig `mapstructure:"platform"`
	Broker     BrokerConfig   `mapstructure:"broker"`
	HTTP       HTTPConfig     `mapstructure:"http"`
	Store      StoreConfig    `mapstructure:"store"`
	Heartbeat  time.Duration  `mapstructure:"heartbeat"`
}

// PlatformConfig holds the fixed platform endpoint and credentials. The key
// and secret arrive via environment variables and are never persisted.
type PlatformConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// BrokerConfig selects and locates the broker terminal.
type BrokerConfig struct {
	// Mode is "terminal" for a live terminal bridge or "paper" for the
	// built-in simulator.
	Mode         string  `mapstructure:"mode"`
	TerminalPath string  `mapstructure:"terminal_path"`
	Magic        int64   `mapstructure:"magic"`
	PaperBalance float64 `mapstructure:"paper_balance"`
}

// HTTPConfig configures the local HTTP surface for the UI shell.
type HTTPConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	PlatformOrigin string `mapstructure:"platform_origin"`
	RateLimit      string `mapstructure:"rate_limit"` // ulule/limiter format, e.g. "100-M"
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		ExecutorID: "local",
		Env:        "development",
		Heartbeat:  15 * time.Second,
		Broker: BrokerConfig{
			Mode:         "paper",
			Magic:        880001,
			PaperBalance: 10000,
		},
		HTTP: HTTPConfig{
			Host:      "127.0.0.1",
			Port:      8741,
			RateLimit: "100-M",
		},
		Store: StoreConfig{Path: "executor.db"},
	}
}

// Load builds the config from defaults, an optional file and EXECUTOR_*
// environment variables, highest priority last.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXECUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("executor_id", defaults.ExecutorID)
	v.SetDefault("env", defaults.Env)
	v.SetDefault("debug", false)
	v.SetDefault("heartbeat", defaults.Heartbeat)
	v.SetDefault("broker.mode", defaults.Broker.Mode)
	v.SetDefault("broker.magic", defaults.Broker.Magic)
	v.SetDefault("broker.paper_balance", defaults.Broker.PaperBalance)
	v.SetDefault("http.host", defaults.HTTP.Host)
	v.SetDefault("http.port", defaults.HTTP.Port)
	v.SetDefault("http.rate_limit", defaults.HTTP.RateLimit)
	v.SetDefault("store.path", defaults.Store.Path)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Production reports whether the executor runs with production hardening
// (rate limiting, restricted CORS).
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.ExecutorID == "" {
		return fmt.Errorf("executor_id is required (set EXECUTOR_EXECUTOR_ID)")
	}
	switch c.Broker.Mode {
	case "terminal":
		if c.Broker.TerminalPath == "" {
			return fmt.Errorf("broker.terminal_path is required in terminal mode")
		}
	case "paper":
	default:
		return fmt.Errorf("broker.mode must be terminal or paper, got %q", c.Broker.Mode)
	}
	if c.Platform.BaseURL != "" {
		if c.Platform.APIKey == "" || c.Platform.APISecret == "" {
			return fmt.Errorf("platform credentials are required when platform.base_url is set (EXECUTOR_PLATFORM_API_KEY, EXECUTOR_PLATFORM_API_SECRET)")
		}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
