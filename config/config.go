// Package config implements configuration for the backend daemon: the
// store pipeline composition, the scheduler tuning, and the bytestream
// front door. Configs are plain structs loaded from JSON and validated
// before any component is built.
package config

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config is the root daemon configuration.
type Config struct {
	// Stores names every store pipeline that can be referenced by the
	// bytestream front door.
	Stores map[string]StoreConfig `json:"stores"`
	// Scheduler tunes the action scheduler.
	Scheduler SchedulerConfig `json:"scheduler"`
	// Bytestream configures the blob streaming endpoints.
	Bytestream BytestreamConfig `json:"bytestream"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store is required")
	}
	for name, store := range c.Stores {
		if err := store.Validate(); err != nil {
			return fmt.Errorf("store %q: %w", name, err)
		}
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Bytestream.Validate(); err != nil {
		return fmt.Errorf("bytestream: %w", err)
	}
	for instance, storeName := range c.Bytestream.CasStores {
		if _, ok := c.Stores[storeName]; !ok {
			return fmt.Errorf("bytestream instance %q references unknown store %q", instance, storeName)
		}
	}
	return nil
}

// StoreConfig selects exactly one driver, possibly composing others.
type StoreConfig struct {
	Memory      *MemoryStoreConfig      `json:"memory,omitempty"`
	Filesystem  *FilesystemStoreConfig  `json:"filesystem,omitempty"`
	S3          *S3StoreConfig          `json:"s3,omitempty"`
	Compression *CompressionStoreConfig `json:"compression,omitempty"`
	Verify      *VerifyStoreConfig      `json:"verify,omitempty"`
	FastSlow    *FastSlowStoreConfig    `json:"fast_slow,omitempty"`
	Dedup       *DedupStoreConfig       `json:"dedup,omitempty"`
	Noop        *NoopStoreConfig        `json:"noop,omitempty"`
}

// Validate ensures exactly one driver is selected and recurses into
// composed stores.
func (c *StoreConfig) Validate() error {
	count := 0
	if c.Memory != nil {
		count++
	}
	if c.Filesystem != nil {
		count++
		if c.Filesystem.ContentPath == "" {
			return fmt.Errorf("filesystem store requires content_path")
		}
		if c.Filesystem.TempPath == "" {
			return fmt.Errorf("filesystem store requires temp_path")
		}
	}
	if c.S3 != nil {
		count++
		if c.S3.Region == "" {
			return fmt.Errorf("s3 store requires region")
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 store requires bucket")
		}
	}
	if c.Compression != nil {
		count++
		if c.Compression.Backend == nil {
			return fmt.Errorf("compression store requires a backend")
		}
		if err := c.Compression.Backend.Validate(); err != nil {
			return fmt.Errorf("compression backend: %w", err)
		}
	}
	if c.Verify != nil {
		count++
		if c.Verify.Backend == nil {
			return fmt.Errorf("verify store requires a backend")
		}
		if err := c.Verify.Backend.Validate(); err != nil {
			return fmt.Errorf("verify backend: %w", err)
		}
	}
	if c.FastSlow != nil {
		count++
		if c.FastSlow.Fast == nil || c.FastSlow.Slow == nil {
			return fmt.Errorf("fast_slow store requires both fast and slow")
		}
		if err := c.FastSlow.Fast.Validate(); err != nil {
			return fmt.Errorf("fast side: %w", err)
		}
		if err := c.FastSlow.Slow.Validate(); err != nil {
			return fmt.Errorf("slow side: %w", err)
		}
	}
	if c.Dedup != nil {
		count++
		if c.Dedup.IndexStore == nil || c.Dedup.ContentStore == nil {
			return fmt.Errorf("dedup store requires both index_store and content_store")
		}
		if err := c.Dedup.IndexStore.Validate(); err != nil {
			return fmt.Errorf("index store: %w", err)
		}
		if err := c.Dedup.ContentStore.Validate(); err != nil {
			return fmt.Errorf("content store: %w", err)
		}
		if c.Dedup.MinSize > 0 && c.Dedup.MaxSize > 0 && c.Dedup.MinSize > c.Dedup.MaxSize {
			return fmt.Errorf("dedup min_size %d exceeds max_size %d", c.Dedup.MinSize, c.Dedup.MaxSize)
		}
	}
	if c.Noop != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("exactly one store driver must be configured, found %d", count)
	}
	return nil
}

// EvictionPolicyConfig caps a store; zero values are unbounded.
type EvictionPolicyConfig struct {
	MaxBytes   int64 `json:"max_bytes"`
	MaxSeconds int64 `json:"max_seconds"`
	MaxCount   int64 `json:"max_count"`
}

// MemoryStoreConfig holds blobs in process memory.
type MemoryStoreConfig struct {
	EvictionPolicy *EvictionPolicyConfig `json:"eviction_policy,omitempty"`
}

// FilesystemStoreConfig holds blobs as files with atomic staging.
type FilesystemStoreConfig struct {
	ContentPath    string                `json:"content_path"`
	TempPath       string                `json:"temp_path"`
	EvictionPolicy *EvictionPolicyConfig `json:"eviction_policy,omitempty"`
}

// RetryConfig shapes the exponential backoff for remote stores.
type RetryConfig struct {
	MaxRetries int     `json:"max_retries"`
	Delay      float64 `json:"delay"`
	Jitter     float64 `json:"jitter"`
}

// S3StoreConfig holds blobs in an S3 bucket.
type S3StoreConfig struct {
	Region                          string      `json:"region"`
	Bucket                          string      `json:"bucket"`
	KeyPrefix                       string      `json:"key_prefix,omitempty"`
	Retry                           RetryConfig `json:"retry"`
	AdditionalMaxConcurrentRequests int         `json:"additional_max_concurrent_requests"`
}

// CompressionStoreConfig wraps a backend with framed LZ4 blocks.
type CompressionStoreConfig struct {
	Backend   *StoreConfig `json:"backend"`
	BlockSize uint32       `json:"block_size"`
}

// VerifyStoreConfig wraps a backend with digest verification.
type VerifyStoreConfig struct {
	Backend    *StoreConfig `json:"backend"`
	VerifySize bool         `json:"verify_size"`
	VerifyHash bool         `json:"verify_hash"`
}

// FastSlowStoreConfig composes a fast cache over a slow backing store.
type FastSlowStoreConfig struct {
	Fast *StoreConfig `json:"fast"`
	Slow *StoreConfig `json:"slow"`
}

// DedupStoreConfig splits blobs into content-defined chunks.
type DedupStoreConfig struct {
	IndexStore               *StoreConfig `json:"index_store"`
	ContentStore             *StoreConfig `json:"content_store"`
	MinSize                  int          `json:"min_size"`
	NormalSize               int          `json:"normal_size"`
	MaxSize                  int          `json:"max_size"`
	MaxConcurrentFetchPerGet int          `json:"max_concurrent_fetch_per_get"`
}

// NoopStoreConfig discards writes and serves nothing.
type NoopStoreConfig struct{}

// SchedulerConfig tunes the action scheduler. Zero values select the
// documented defaults.
type SchedulerConfig struct {
	WorkerTimeoutS              int64             `json:"worker_timeout_s"`
	RetainCompletedForS         int64             `json:"retain_completed_for_s"`
	MaxJobRetries               int               `json:"max_job_retries"`
	AllocationStrategy          string            `json:"allocation_strategy,omitempty"`
	SupportedPlatformProperties map[string]string `json:"supported_platform_properties,omitempty"`
}

// Validate checks enumerated fields.
func (c *SchedulerConfig) Validate() error {
	switch c.AllocationStrategy {
	case "", "least_recently_used", "most_recently_used":
	default:
		return fmt.Errorf("allocation_strategy must be least_recently_used or most_recently_used, got %q",
			c.AllocationStrategy)
	}
	for name, kind := range c.SupportedPlatformProperties {
		switch kind {
		case "exact", "minimum":
		default:
			return fmt.Errorf("platform property %q must be exact or minimum, got %q", name, kind)
		}
	}
	if c.WorkerTimeoutS < 0 || c.RetainCompletedForS < 0 || c.MaxJobRetries < 0 {
		return fmt.Errorf("scheduler durations and retries must not be negative")
	}
	return nil
}

// BytestreamConfig configures the blob streaming endpoints.
type BytestreamConfig struct {
	// CasStores maps instance names to store names.
	CasStores map[string]string `json:"cas_stores"`
	// MaxBytesPerStream bounds the data per response frame.
	MaxBytesPerStream int `json:"max_bytes_per_stream"`
}

// Validate checks the front-door settings.
func (c *BytestreamConfig) Validate() error {
	if len(c.CasStores) == 0 {
		return fmt.Errorf("at least one cas_stores instance is required")
	}
	if c.MaxBytesPerStream < 1 {
		return fmt.Errorf("max_bytes_per_stream must be at least 1")
	}
	return nil
}
