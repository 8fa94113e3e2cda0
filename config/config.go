// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. JSSANDBOX_SERVER_HTTP_ADDR.
const EnvPrefix = "JSSANDBOX"

// Config represents the application configuration
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DispatcherConfig holds worker pool configuration
type DispatcherConfig struct {
	PoolSize        int           `mapstructure:"pool_size"` // Negative values are a percentage of CPUs
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultQuota    int64         `mapstructure:"default_quota"`
}

// EngineConfig selects and tunes the JavaScript engine
type EngineConfig struct {
	Name             string        `mapstructure:"name"`
	ExecuteTimeout   time.Duration `mapstructure:"execute_timeout"` // 0 disables the timeout
	MaxCallStackSize int           `mapstructure:"max_call_stack_size"`
	MaxOutputBytes   int           `mapstructure:"max_output_bytes"` // 0 means unlimited
}

// StoreConfig holds task storage configuration
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPAddr  string `mapstructure:"http_addr"`
}

// AuthConfig holds the static bearer tokens. No tokens means no authentication.
type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"pool-size":       "dispatcher.pool_size",
	"default-quota":   "dispatcher.default_quota",
	"engine":          "engine.name",
	"execute-timeout": "engine.execute_timeout",
	"store":           "store.backend",
	"store-path":      "store.path",
	"transport":       "server.transport",
	"addr":            "server.http_addr",
	"log-mode":        "logging.mode",
	"log-level":       "logging.level",
}

// RegisterFlags adds the overridable settings to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.Int("pool-size", 0, "worker threads; negative is a percentage of CPUs")
	fs.Int64("default-quota", 0, "statement quota for tasks that do not set one")
	fs.String("engine", "", "javascript engine: goja or v8")
	fs.Duration("execute-timeout", 0, "wall-clock limit per task")
	fs.String("store", "", "task store: memory or sqlite")
	fs.String("store-path", "", "sqlite database path")
	fs.String("transport", "", "server transport: http or stdio")
	fs.String("addr", "", "http listen address")
	fs.String("log-mode", "", "logging mode: production or development")
	fs.String("log-level", "", "logging level")
}

// New loads and validates the configuration. fs may be nil; when given,
// only flags the user actually set override other sources.
func New(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var path string
	if fs != nil {
		path, _ = fs.GetString("config")
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.pool_size", 0)
	v.SetDefault("dispatcher.shutdown_timeout", 30*time.Second)
	v.SetDefault("dispatcher.default_quota", 100_000)
	v.SetDefault("engine.name", "goja")
	v.SetDefault("engine.execute_timeout", 10*time.Second)
	v.SetDefault("engine.max_call_stack_size", 1024)
	v.SetDefault("engine.max_output_bytes", 1<<20)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "js-sandbox.db")
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Dispatcher.ShutdownTimeout < 0 {
		return fmt.Errorf("dispatcher.shutdown_timeout must not be negative, got: %s", c.Dispatcher.ShutdownTimeout)
	}

	if c.Dispatcher.DefaultQuota <= 0 {
		return fmt.Errorf("dispatcher.default_quota must be positive, got: %d", c.Dispatcher.DefaultQuota)
	}

	if c.Engine.Name != "goja" && c.Engine.Name != "v8" {
		return fmt.Errorf("invalid engine.name: %s, must be 'goja' or 'v8'", c.Engine.Name)
	}

	if c.Engine.ExecuteTimeout < 0 {
		return fmt.Errorf("engine.execute_timeout must not be negative, got: %s", c.Engine.ExecuteTimeout)
	}

	if c.Engine.MaxCallStackSize <= 0 {
		return fmt.Errorf("engine.max_call_stack_size must be positive, got: %d", c.Engine.MaxCallStackSize)
	}

	if c.Engine.MaxOutputBytes < 0 {
		return fmt.Errorf("engine.max_output_bytes must not be negative, got: %d", c.Engine.MaxOutputBytes)
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported store.backend: %s", c.Store.Backend)
	}

	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required for the http transport")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}
