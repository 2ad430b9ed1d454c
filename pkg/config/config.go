// Package config loads the YAML configuration used by the CLI and wires it
// into a client, a storage backend, and a logger.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/crowdsecurity/go-capi-sdk/pkg/capi"
	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
	"github.com/crowdsecurity/go-capi-sdk/pkg/storage/mongostorage"
	"github.com/crowdsecurity/go-capi-sdk/pkg/storage/sqlstorage"
)

type Config struct {
	Prod            bool     `yaml:"prod"`
	Scenarios       []string `yaml:"scenarios"`
	UserAgentPrefix string   `yaml:"user_agent_prefix"`
	MaxRetries      int      `yaml:"max_retries"`
	LatencyOffsetS  int      `yaml:"latency_offset_s"`
	RetryDelayS     int      `yaml:"retry_delay_s"`
	BatchSize       int      `yaml:"batch_size"`
	RequestTimeoutS int      `yaml:"request_timeout_s"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	// Backend is "sqlite" or "mongodb".
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`
	// URI and Database select the mongodb backend's target.
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      3,
		LatencyOffsetS:  10,
		RetryDelayS:     5,
		BatchSize:       1000,
		RequestTimeoutS: 30,
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "capi.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if v := os.Getenv("CAPI_PROD"); v != "" {
		cfg.Prod = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CAPI_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CAPI_MONGODB_URI"); v != "" {
		cfg.Storage.Backend = "mongodb"
		cfg.Storage.URI = v
	}
	if v := os.Getenv("CAPI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, cfg.Validate()
}

// Validate repairs out-of-range values and rejects unusable ones.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LatencyOffsetS < 0 {
		c.LatencyOffsetS = 10
	}
	if c.RetryDelayS < 0 {
		c.RetryDelayS = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.RequestTimeoutS <= 0 {
		c.RequestTimeoutS = 30
	}
	switch c.Storage.Backend {
	case "", "sqlite":
		c.Storage.Backend = "sqlite"
		if c.Storage.Path == "" {
			c.Storage.Path = "capi.db"
		}
	case "mongodb":
		if c.Storage.URI == "" {
			return fmt.Errorf("config: mongodb backend requires storage.uri")
		}
		if c.Storage.Database == "" {
			c.Storage.Database = "capi"
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// ClientConfig converts the file config into client tunables.
func (c *Config) ClientConfig(logger *zerolog.Logger) capi.ClientConfig {
	return capi.ClientConfig{
		Scenarios:       c.Scenarios,
		Prod:            c.Prod,
		UserAgentPrefix: c.UserAgentPrefix,
		MaxRetries:      c.MaxRetries,
		LatencyOffset:   time.Duration(c.LatencyOffsetS) * time.Second,
		RetryDelay:      time.Duration(c.RetryDelayS) * time.Second,
		BatchSize:       c.BatchSize,
		RequestTimeout:  time.Duration(c.RequestTimeoutS) * time.Second,
		Logger:          logger,
	}
}

// OpenStore builds the configured storage backend.
func (c *Config) OpenStore() (storage.Store, error) {
	switch c.Storage.Backend {
	case "mongodb":
		return mongostorage.New(c.Storage.URI, c.Storage.Database)
	default:
		return sqlstorage.New(c.Storage.Path)
	}
}

// NewLogger builds a console or JSON logger at the configured level.
func (c *Config) NewLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Logging.Level))); err == nil {
		level = parsed
	}
	if c.Logging.JSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
