package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Stores: map[string]StoreConfig{
			"cas": {
				FastSlow: &FastSlowStoreConfig{
					Fast: &StoreConfig{Memory: &MemoryStoreConfig{
						EvictionPolicy: &EvictionPolicyConfig{MaxBytes: 1 << 30},
					}},
					Slow: &StoreConfig{S3: &S3StoreConfig{
						Region: "eu-west-1",
						Bucket: "cas-bucket",
						Retry:  RetryConfig{MaxRetries: 3, Delay: 0.2, Jitter: 0.5},
					}},
				},
			},
		},
		Scheduler: SchedulerConfig{
			WorkerTimeoutS:              5,
			RetainCompletedForS:         60,
			MaxJobRetries:               3,
			AllocationStrategy:          "least_recently_used",
			SupportedPlatformProperties: map[string]string{"os": "exact", "cores": "minimum"},
		},
		Bytestream: BytestreamConfig{
			CasStores:         map[string]string{"main": "cas"},
			MaxBytesPerStream: 64 * 1024,
		},
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"no stores",
			func(c *Config) { c.Stores = nil },
			"at least one store",
		},
		{
			"two drivers in one store",
			func(c *Config) {
				sc := c.Stores["cas"]
				sc.Memory = &MemoryStoreConfig{}
				c.Stores["cas"] = sc
			},
			"exactly one store driver",
		},
		{
			"s3 missing bucket",
			func(c *Config) {
				c.Stores["cas"].FastSlow.Slow.S3.Bucket = ""
			},
			"requires bucket",
		},
		{
			"bad allocation strategy",
			func(c *Config) { c.Scheduler.AllocationStrategy = "round_robin" },
			"allocation_strategy",
		},
		{
			"bad property kind",
			func(c *Config) { c.Scheduler.SupportedPlatformProperties = map[string]string{"os": "fuzzy"} },
			"exact or minimum",
		},
		{
			"bytestream without instances",
			func(c *Config) { c.Bytestream.CasStores = nil },
			"at least one cas_stores",
		},
		{
			"bytestream zero frame size",
			func(c *Config) { c.Bytestream.MaxBytesPerStream = 0 },
			"max_bytes_per_stream",
		},
		{
			"unknown store reference",
			func(c *Config) { c.Bytestream.CasStores = map[string]string{"main": "nope"} },
			"unknown store",
		},
		{
			"dedup bounds inverted",
			func(c *Config) {
				c.Stores["other"] = StoreConfig{Dedup: &DedupStoreConfig{
					IndexStore:   &StoreConfig{Memory: &MemoryStoreConfig{}},
					ContentStore: &StoreConfig{Memory: &MemoryStoreConfig{}},
					MinSize:      1024,
					MaxSize:      512,
				}}
			},
			"min_size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"stores": {
			"cas": {"memory": {"eviction_policy": {"max_bytes": 1048576}}}
		},
		"scheduler": {"worker_timeout_s": 10, "allocation_strategy": "most_recently_used"},
		"bytestream": {"cas_stores": {"main": "cas"}, "max_bytes_per_stream": 65536}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scheduler.WorkerTimeoutS != 10 {
		t.Errorf("worker_timeout_s = %d", cfg.Scheduler.WorkerTimeoutS)
	}
	if cfg.Stores["cas"].Memory == nil {
		t.Error("expected memory store config")
	}
	if cfg.Stores["cas"].Memory.EvictionPolicy.MaxBytes != 1048576 {
		t.Error("eviction policy not decoded")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"stores": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure")
	}
}
