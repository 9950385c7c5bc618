// Package config holds the process-start configuration passed to the
// storage core and its collaborators: data directory, bootstrap flag,
// listener port, and buffer pool sizing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a running instance.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig controls the storage core.
type DatabaseConfig struct {
	// DataDir is the directory holding per-table files.
	DataDir string `yaml:"data_dir" env:"TXNSTORE_DATA_DIR"`
	// Bootstrap corresponds to spec.md's "new" flag: create a fresh
	// database (run the bootstrap transaction) instead of loading one.
	Bootstrap bool `yaml:"bootstrap" env:"TXNSTORE_BOOTSTRAP"`
	// PoolSize is the buffer pool capacity, in pages.
	PoolSize int `yaml:"pool_size" env:"TXNSTORE_POOL_SIZE"`
	// LockTimeout bounds how long lock_tuple/lock_transaction waits before
	// giving up; spec.md's core has no timeout, but a zero value here means
	// "wait indefinitely", preserving that default.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"TXNSTORE_LOCK_TIMEOUT"`
	// PageCompression selects an optional transparent compression codec
	// applied to flushed pages: "", "snappy", "lz4", or "zstd".
	PageCompression string `yaml:"page_compression" env:"TXNSTORE_PAGE_COMPRESSION"`
}

// ServerConfig controls the line-oriented TCP listener.
type ServerConfig struct {
	Port int    `yaml:"port" env:"TXNSTORE_PORT"`
	Host string `yaml:"host" env:"TXNSTORE_HOST"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"TXNSTORE_LOG_LEVEL"`
}

// Default returns a configuration with conservative defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:         "./data",
			Bootstrap:       false,
			PoolSize:        256,
			LockTimeout:     0,
			PageCompression: "",
		},
		Server: ServerConfig{
			Port: 5432,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file, falling back to defaults for any
// field the file omits, and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TXNSTORE_DATA_DIR"); v != "" {
		c.Database.DataDir = v
	}
	if v := os.Getenv("TXNSTORE_BOOTSTRAP"); v != "" {
		c.Database.Bootstrap = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TXNSTORE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.PoolSize = n
		}
	}
	if v := os.Getenv("TXNSTORE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.LockTimeout = d
		}
	}
	if v := os.Getenv("TXNSTORE_PAGE_COMPRESSION"); v != "" {
		c.Database.PageCompression = v
	}
	if v := os.Getenv("TXNSTORE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TXNSTORE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TXNSTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for obviously unusable values.
func (c *Config) Validate() error {
	if c.Database.DataDir == "" {
		return fmt.Errorf("config: data directory cannot be empty")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("config: pool_size must be positive, got %d", c.Database.PoolSize)
	}
	switch c.Database.PageCompression {
	case "", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("config: unknown page_compression %q", c.Database.PageCompression)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port: %d", c.Server.Port)
	}
	return nil
}

// Addr returns the listener address for the configured host and port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
