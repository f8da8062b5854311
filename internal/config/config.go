// Package config holds the bidding SDK core configuration
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds SDK core configuration. Environment variables override the
// defaults; unset variables leave the default in place.
type Config struct {
	// Client-side metrics
	Enabled       bool          `env:"CSM_ENABLED"`
	StorageDir    string        `env:"CSM_STORAGE_DIR"`
	StoreMaxBytes int64         `env:"CSM_STORE_MAX_BYTES"`
	QueueMaxBytes int64         `env:"CSM_QUEUE_MAX_BYTES"`
	BatchSize     int           `env:"CSM_BATCH_SIZE"`
	SendInterval  time.Duration `env:"CSM_SEND_INTERVAL"`

	// Batch header
	ProfileID      int    `env:"CSM_PROFILE_ID"`
	WrapperVersion string `env:"CSM_WRAPPER_VERSION"`

	// Backend
	CDBURL                  string        `env:"CDB_URL"`
	CDBTimeout              time.Duration `env:"CDB_TIMEOUT"`
	CDBRetryMax             int           `env:"CDB_RETRY_MAX"`
	CircuitFailureThreshold int           `env:"CDB_CIRCUIT_FAILURE_THRESHOLD"`
	CircuitSuccessThreshold int           `env:"CDB_CIRCUIT_SUCCESS_THRESHOLD"`
	CircuitTimeout          time.Duration `env:"CDB_CIRCUIT_TIMEOUT"`

	// Harness
	MetricsNamespace string `env:"METRICS_NAMESPACE"`
	AdminAddr        string `env:"ADMIN_ADDR"`
	AdminAPIKeys     string `env:"ADMIN_API_KEYS"` // comma separated, empty disables auth
	LogLevel         string `env:"LOG_LEVEL"`
	LogFormat        string `env:"LOG_FORMAT"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:                 true,
		StorageDir:              "./csm",
		StoreMaxBytes:           48 * 1024,
		QueueMaxBytes:           256 * 1024,
		BatchSize:               8,
		SendInterval:            60 * time.Second,
		ProfileID:               235,
		WrapperVersion:          "1.0.0",
		CDBURL:                  "http://localhost:9099",
		CDBTimeout:              3 * time.Second,
		CDBRetryMax:             1,
		CircuitFailureThreshold: 5,
		CircuitSuccessThreshold: 2,
		CircuitTimeout:          30 * time.Second,
		MetricsNamespace:        "bidsdk",
		AdminAddr:               ":9464",
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// Load returns the default configuration overlaid with environment variables
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage dir is empty")
	}
	if c.StoreMaxBytes <= 0 {
		return fmt.Errorf("store max bytes must be positive, got %d", c.StoreMaxBytes)
	}
	if c.QueueMaxBytes <= 0 {
		return fmt.Errorf("queue max bytes must be positive, got %d", c.QueueMaxBytes)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.SendInterval <= 0 {
		return fmt.Errorf("send interval must be positive, got %v", c.SendInterval)
	}
	if c.CDBURL == "" {
		return fmt.Errorf("CDB URL is empty")
	}
	return nil
}
