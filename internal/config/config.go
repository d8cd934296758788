// Package config handles loading and parsing of LiteBucket configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for LiteBucket.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Workers  WorkersConfig  `yaml:"workers"`
	Buckets  []BucketConfig `yaml:"buckets"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Region is reported in bucket location and region headers.
	Region string `yaml:"region"`
	// MaxObjectSize is the maximum accepted object body size in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// RequestTimeout bounds each S3 operation, in seconds. An operation that
	// cannot finish (including waiting for a database connection) within this
	// window fails with ServiceUnavailable.
	RequestTimeout int `yaml:"request_timeout"`
}

// DatabaseConfig holds embedded database settings.
type DatabaseConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
	// MaxConns bounds the connection pool shared by all workers.
	MaxConns int `yaml:"max_connections"`
	// BusyTimeoutMS is the SQLite busy_timeout pragma in milliseconds.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	// MaxConcurrent is the number of S3 operations allowed in flight at once.
	MaxConcurrent int `yaml:"max_concurrent"`
	// AcquireTimeout is how long a request queues for a worker slot before
	// failing with ServiceUnavailable, in seconds.
	AcquireTimeout int `yaml:"acquire_timeout"`
}

// BucketConfig declares one pre-configured bucket. Buckets are defined here
// at startup and never created through the API.
type BucketConfig struct {
	Name string `yaml:"name"`
	// Versioning is the initial versioning state for a bucket that does not
	// yet exist in the database: "Disabled" (default), "Enabled", or
	// "Suspended". Ignored for buckets already present.
	Versioning string `yaml:"versioning"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UnmarshalYAML allows a bucket to be declared either as a bare string or as
// a mapping with name and versioning fields.
func (b *BucketConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&b.Name)
	}
	type plain BucketConfig
	return value.Decode((*plain)(b))
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied for unset values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			MaxObjectSize:   1 << 30, // 1 GiB
			ShutdownTimeout: 30,
			RequestTimeout:  30,
		},
		Database: DatabaseConfig{
			Path:          "./data/litebucket.db",
			MaxConns:      8,
			BusyTimeoutMS: 5000,
		},
		Workers: WorkersConfig{
			MaxConcurrent:  64,
			AcquireTimeout: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 1 << 30
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/litebucket.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 8
	}
	if cfg.Database.BusyTimeoutMS == 0 {
		cfg.Database.BusyTimeoutMS = 5000
	}
	if cfg.Workers.MaxConcurrent == 0 {
		cfg.Workers.MaxConcurrent = 64
	}
	if cfg.Workers.AcquireTimeout == 0 {
		cfg.Workers.AcquireTimeout = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
