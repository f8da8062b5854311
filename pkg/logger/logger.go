// Package logger provides structured logging for the bidding SDK core
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Log is the global logger instance. It discards output until Init is called
	// so that an embedding host never sees SDK noise it did not ask for.
	Log = zerolog.Nop()
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // time format for console output
	Output     io.Writer
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "bidsdk").
		Logger()
}

// CSM returns a logger for the client-side metrics pipeline
func CSM() zerolog.Logger {
	return Log.With().Str("component", "csm").Logger()
}

// CDB returns a logger for backend client events
func CDB() zerolog.Logger {
	return Log.With().Str("component", "cdb").Logger()
}

// Dedup returns a logger for request deduplication events
func Dedup() zerolog.Logger {
	return Log.With().Str("component", "dedup").Logger()
}

// Metric returns a logger scoped to a single impression metric
func Metric(impressionID string) zerolog.Logger {
	return Log.With().Str("component", "csm").Str("impression_id", impressionID).Logger()
}

// getEnv returns environment variable or default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
