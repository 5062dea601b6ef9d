// Package config loads the varindex configuration: a TOML file with
// defaults for everything, then VARINDEX_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/storage"
)

// Environment variables that override the file
const (
	EnvConfigPath       = "VARINDEX_CONFIG"
	EnvStoreBackend     = "VARINDEX_STORE_BACKEND"
	EnvDBPath           = "VARINDEX_DB_PATH"
	EnvDynamoDBTable    = "VARINDEX_DYNAMODB_TABLE"
	EnvDynamoDBRegion   = "VARINDEX_DYNAMODB_REGION"
	EnvDynamoDBEndpoint = "VARINDEX_DYNAMODB_ENDPOINT"
	EnvLogLevel         = "VARINDEX_LOG_LEVEL"
	EnvLogFormat        = "VARINDEX_LOG_FORMAT"
	EnvPendingWorkers   = "VARINDEX_PENDING_WORKERS"
	EnvMetricsAddr      = "VARINDEX_METRICS_ADDR"
)

// DefaultDBPath is the SQLite database used when nothing is configured
const DefaultDBPath = "~/.varindex/varindex.db"

type Config struct {
	Store       StoreConfig                    `toml:"store"`
	Log         LogConfig                      `toml:"log"`
	Retry       RetryConfig                    `toml:"retry"`
	Pending     PendingConfig                  `toml:"pending"`
	Indexer     IndexerConfig                  `toml:"indexer"`
	Searcher    SearcherConfig                 `toml:"searcher"`
	Metrics     MetricsConfig                  `toml:"metrics"`
	SampleIndex *sampleindex.ConfigurationSpec `toml:"sample_index"`
}

type StoreConfig struct {
	Backend  string         `toml:"backend"`
	Path     string         `toml:"path"`
	DynamoDB DynamoDBConfig `toml:"dynamodb"`
}

type DynamoDBConfig struct {
	Table    string `toml:"table"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type RetryConfig struct {
	MaxRetries int           `toml:"max_retries"`
	BaseDelay  time.Duration `toml:"base_delay"`
	MaxDelay   time.Duration `toml:"max_delay"`
	Multiplier float64       `toml:"multiplier"`
}

// PendingConfig tunes discovery and cleaning scans
type PendingConfig struct {
	PageSize        int `toml:"page_size"`
	Workers         int `toml:"workers"`
	MutateBatchSize int `toml:"mutate_batch_size"`
}

type IndexerConfig struct {
	Workers   int `toml:"workers"`
	BatchSize int `toml:"batch_size"`
}

type SearcherConfig struct {
	CacheSize int `toml:"cache_size"`
}

// MetricsConfig sets where Prometheus metrics are served; an empty address
// disables the endpoint
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	r := storage.DefaultRetryConfig()
	return &Config{
		Store: StoreConfig{Backend: storage.BackendSQLite, Path: DefaultDBPath},
		Log:   LogConfig{Level: "info", Format: logging.FormatText},
		Retry: RetryConfig{
			MaxRetries: r.MaxRetries,
			BaseDelay:  r.BaseDelay,
			MaxDelay:   r.MaxDelay,
			Multiplier: r.Multiplier,
		},
		Pending:  PendingConfig{PageSize: storage.DefaultPageSize, Workers: 4, MutateBatchSize: 500},
		Indexer:  IndexerConfig{Workers: 4, BatchSize: 200},
		Searcher: SearcherConfig{CacheSize: 100},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		env string
		dst *string
	}{
		{EnvStoreBackend, &c.Store.Backend},
		{EnvDBPath, &c.Store.Path},
		{EnvDynamoDBTable, &c.Store.DynamoDB.Table},
		{EnvDynamoDBRegion, &c.Store.DynamoDB.Region},
		{EnvDynamoDBEndpoint, &c.Store.DynamoDB.Endpoint},
		{EnvLogLevel, &c.Log.Level},
		{EnvLogFormat, &c.Log.Format},
		{EnvMetricsAddr, &c.Metrics.Addr},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	if v := os.Getenv(EnvPendingWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPendingWorkers, err)
		}
		c.Pending.Workers = n
	}
	return nil
}

// Validate rejects configurations the components cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case storage.BackendSQLite, storage.BackendBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for backend %s", c.Store.Backend)
		}
	case storage.BackendDynamoDB:
		if c.Store.DynamoDB.Table == "" {
			return fmt.Errorf("store.dynamodb.table is required for backend dynamodb")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	sizes := []struct {
		name string
		v    int
	}{
		{"pending.page_size", c.Pending.PageSize},
		{"pending.workers", c.Pending.Workers},
		{"pending.mutate_batch_size", c.Pending.MutateBatchSize},
		{"indexer.workers", c.Indexer.Workers},
		{"indexer.batch_size", c.Indexer.BatchSize},
		{"searcher.cache_size", c.Searcher.CacheSize},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.name, s.v)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}

	if c.SampleIndex != nil {
		if _, err := sampleindex.NewConfiguration(*c.SampleIndex); err != nil {
			return fmt.Errorf("sample_index: %w", err)
		}
	}
	return nil
}

// StorageOptions returns the store selection with ~ expanded in the path
func (c *Config) StorageOptions() (storage.Options, error) {
	path, err := expandHome(c.Store.Path)
	if err != nil {
		return storage.Options{}, err
	}
	return storage.Options{
		Backend: c.Store.Backend,
		Path:    path,
		DynamoDB: storage.DynamoDBOptions{
			Table:    c.Store.DynamoDB.Table,
			Region:   c.Store.DynamoDB.Region,
			Endpoint: c.Store.DynamoDB.Endpoint,
		},
	}, nil
}

func (c *Config) RetryPolicy() storage.RetryConfig {
	return storage.RetryConfig{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Multiplier: c.Retry.Multiplier,
	}
}

// SampleIndexConfiguration returns the configured sample index, or the
// built-in default
func (c *Config) SampleIndexConfiguration() (*sampleindex.Configuration, error) {
	if c.SampleIndex == nil {
		return sampleindex.DefaultConfiguration(), nil
	}
	return sampleindex.NewConfiguration(*c.SampleIndex)
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
