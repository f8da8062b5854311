package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("expected CSM enabled by default")
	}
	if cfg.StoreMaxBytes != 48*1024 {
		t.Errorf("expected 48KiB store limit, got %d", cfg.StoreMaxBytes)
	}
	if cfg.QueueMaxBytes != 256*1024 {
		t.Errorf("expected 256KiB queue limit, got %d", cfg.QueueMaxBytes)
	}
	if cfg.BatchSize != 8 {
		t.Errorf("expected batch size 8, got %d", cfg.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CSM_ENABLED", "false")
	t.Setenv("CSM_BATCH_SIZE", "3")
	t.Setenv("CSM_SEND_INTERVAL", "5s")
	t.Setenv("CDB_URL", "http://cdb.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Enabled {
		t.Error("expected CSM disabled from env")
	}
	if cfg.BatchSize != 3 {
		t.Errorf("expected batch size 3, got %d", cfg.BatchSize)
	}
	if cfg.SendInterval != 5*time.Second {
		t.Errorf("expected 5s interval, got %v", cfg.SendInterval)
	}
	if cfg.CDBURL != "http://cdb.example.com" {
		t.Errorf("unexpected CDB URL %s", cfg.CDBURL)
	}
	// Untouched fields keep their defaults
	if cfg.QueueMaxBytes != 256*1024 {
		t.Errorf("expected default queue limit, got %d", cfg.QueueMaxBytes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage dir", func(c *Config) { c.StorageDir = "" }},
		{"zero store limit", func(c *Config) { c.StoreMaxBytes = 0 }},
		{"negative queue limit", func(c *Config) { c.QueueMaxBytes = -1 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero send interval", func(c *Config) { c.SendInterval = 0 }},
		{"empty CDB URL", func(c *Config) { c.CDBURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
