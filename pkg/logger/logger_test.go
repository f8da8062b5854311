package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer func() { Log = Log.Output(&bytes.Buffer{}) }()

	log := Metric("imp-1")
	log.Info().Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "bidsdk" {
		t.Errorf("expected service field bidsdk, got %v", entry["service"])
	}
	if entry["impression_id"] != "imp-1" {
		t.Errorf("expected impression_id imp-1, got %v", entry["impression_id"])
	}
	if entry["component"] != "csm" {
		t.Errorf("expected component csm, got %v", entry["component"])
	}
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "chatty", Format: "json", Output: &buf})
	defer func() { Log = Log.Output(&bytes.Buffer{}) }()

	log := CDB()
	log.Debug().Msg("hidden")
	log.Info().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should be filtered at info level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("info message should be written")
	}
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "console")

	cfg := DefaultConfig()
	if cfg.Level != "warn" {
		t.Errorf("expected level warn, got %s", cfg.Level)
	}
	if cfg.Format != "console" {
		t.Errorf("expected format console, got %s", cfg.Format)
	}
}
