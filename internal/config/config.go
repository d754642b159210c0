// Package config holds the tierstore daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Tiering configures the hot/cold boundary and the router cost model.
	Tiering TieringConfig `yaml:"tiering"`

	// Cache configures the cold-tier cache service.
	Cache CacheConfig `yaml:"cache"`

	// Archive configures the columnar archive codec.
	Archive ArchiveConfig `yaml:"archive"`

	// Jobs configures the background job queue.
	Jobs JobsConfig `yaml:"jobs"`

	// Retry configures the timeout/retry wrapper.
	Retry RetryConfig `yaml:"retry"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Ingest configures the upstream sync pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Server configures the operator HTTP API.
	Server ServerConfig `yaml:"server"`
}

// TieringConfig configures the hot/cold boundary and router cost model.
type TieringConfig struct {
	// HotWindow is how far back the hot tier reaches. Queries entirely
	// within [now-HotWindow, now] are served from the hot store.
	HotWindow time.Duration `yaml:"hot_window"`

	// HotBaseLatencyMs is the fixed cost of a hot-tier round trip.
	HotBaseLatencyMs int64 `yaml:"hot_base_latency_ms"`

	// HotPerSampleCostUs is the per-expected-sample cost in microseconds.
	HotPerSampleCostUs int64 `yaml:"hot_per_sample_cost_us"`

	// ColdBaseLatencyMs is the fixed cost of a cold-tier round trip.
	ColdBaseLatencyMs int64 `yaml:"cold_base_latency_ms"`

	// ColdPerFileCostMs is the cost per archive file touched.
	// Archives are laid out one file per site-month.
	ColdPerFileCostMs int64 `yaml:"cold_per_file_cost_ms"`

	// SamplesPerMinute is the assumed per-point sampling density used by
	// the cost model and the job-size heuristic.
	SamplesPerMinute float64 `yaml:"samples_per_minute"`
}

// CacheConfig configures the cold-tier cache service.
type CacheConfig struct {
	// Dir is the cold object store root. Defaults to {DataDir}/cold.
	Dir string `yaml:"dir"`

	// Compression enables transparent zstd compression for payloads that
	// are not already columnar archives.
	Compression bool `yaml:"compression"`

	// CompressionLevel is the zstd level (1-4 map onto the encoder's
	// fastest..best presets).
	CompressionLevel int `yaml:"compression_level"`

	// TTL is the policy age after which cached results are considered
	// stale. Read at get-time by callers; the store itself never sweeps.
	TTL time.Duration `yaml:"ttl"`
}

// ArchiveConfig configures the columnar archive codec.
type ArchiveConfig struct {
	// Compression is the parquet column compression: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`

	// Interval is how often the archiver migrates expired hot samples.
	Interval time.Duration `yaml:"interval"`
}

// JobsConfig configures the background job queue.
type JobsConfig struct {
	// Dir is the durable job table directory. Defaults to {DataDir}/jobs.
	Dir string `yaml:"dir"`

	// Workers is the number of concurrent job workers.
	Workers int `yaml:"workers"`

	// MaxAttempts bounds transient-failure retries per job.
	MaxAttempts int `yaml:"max_attempts"`

	// QueueThresholdMs is the estimated latency above which the router
	// defers a query to background processing.
	QueueThresholdMs int64 `yaml:"queue_threshold_ms"`

	// SamplesPerDayPerPoint feeds the estimated-size heuristic.
	SamplesPerDayPerPoint int64 `yaml:"samples_per_day_per_point"`
}

// RetryConfig configures the timeout/retry wrapper.
type RetryConfig struct {
	// BaseTimeout is the floor for adaptive timeouts.
	BaseTimeout time.Duration `yaml:"base_timeout"`

	// PerRowCost grows the adaptive timeout with expected result size.
	PerRowCost time.Duration `yaml:"per_row_cost"`

	// MaxTimeout caps the adaptive timeout.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap caps the exponential backoff delay.
	BackoffCap time.Duration `yaml:"backoff_cap"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// IngestConfig configures the upstream sync pipeline.
type IngestConfig struct {
	// SourceURL is the upstream telemetry API base URL. Empty disables
	// ingest.
	SourceURL string `yaml:"source_url"`

	// APIToken authenticates against the upstream API.
	APIToken string `yaml:"api_token"`

	// SyncInterval is how often the continuous sync runs.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// PageSize is the upstream fetch page size.
	PageSize int `yaml:"page_size"`

	// UpsertBatchSize is the hot-store write batch size.
	UpsertBatchSize int `yaml:"upsert_batch_size"`

	// SyncWindow is the overlapping window pulled by the continuous sync.
	SyncWindow time.Duration `yaml:"sync_window"`

	// MaxPages caps pages per continuous-sync run.
	MaxPages int `yaml:"max_pages"`

	// BackfillMaxPages caps pages per backfill run.
	BackfillMaxPages int `yaml:"backfill_max_pages"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/tierstore",
		Tiering: TieringConfig{
			HotWindow:          30 * 24 * time.Hour,
			HotBaseLatencyMs:   50,
			HotPerSampleCostUs: 2,
			ColdBaseLatencyMs:  400,
			ColdPerFileCostMs:  250,
			SamplesPerMinute:   1.0,
		},
		Cache: CacheConfig{
			Compression:      true,
			CompressionLevel: 3,
			TTL:              7 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Compression: "zstd",
			Level:       3,
			Interval:    time.Hour,
		},
		Jobs: JobsConfig{
			Workers:               4,
			MaxAttempts:           3,
			QueueThresholdMs:      10_000,
			SamplesPerDayPerPoint: 1440,
		},
		Retry: RetryConfig{
			BaseTimeout: 2 * time.Second,
			PerRowCost:  50 * time.Microsecond,
			MaxTimeout:  30 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffCap:  10 * time.Second,
		},
		Query: QueryConfig{
			MemoryLimit: "2GB",
			Timeout:     30 * time.Second,
			MaxRows:     1_000_000,
		},
		Ingest: IngestConfig{
			SyncInterval:     5 * time.Minute,
			PageSize:         5000,
			UpsertBatchSize:  250,
			SyncWindow:       10 * time.Minute,
			MaxPages:         100,
			BackfillMaxPages: 1000,
		},
		Server: ServerConfig{
			Listen:       ":8480",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Tiering.HotWindow <= 0 {
		return fmt.Errorf("tiering.hot_window must be positive")
	}
	if c.Tiering.SamplesPerMinute <= 0 {
		return fmt.Errorf("tiering.samples_per_minute must be positive")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be positive")
	}
	if c.Retry.BaseTimeout <= 0 || c.Retry.MaxTimeout <= 0 {
		return fmt.Errorf("retry timeouts must be positive")
	}
	if c.Retry.MaxTimeout < c.Retry.BaseTimeout {
		return fmt.Errorf("retry.max_timeout must be >= retry.base_timeout")
	}
	if c.Ingest.PageSize <= 0 || c.Ingest.UpsertBatchSize <= 0 {
		return fmt.Errorf("ingest page_size and upsert_batch_size must be positive")
	}
	return nil
}

// HotDir returns the hot store directory.
func (c *Config) HotDir() string {
	return filepath.Join(c.DataDir, "hot")
}

// ColdDir returns the cold object store root.
func (c *Config) ColdDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.DataDir, "cold")
}

// JobsDir returns the durable job table directory.
func (c *Config) JobsDir() string {
	if c.Jobs.Dir != "" {
		return c.Jobs.Dir
	}
	return filepath.Join(c.DataDir, "jobs")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.HotDir(), c.ColdDir(), c.JobsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
