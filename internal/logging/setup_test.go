package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dskow/ble-bridge/internal/config"
)

func TestSetup_FileOutputWritesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.log")

	logger, closer, err := Setup(config.LoggingConfig{
		Level:      "info",
		Format:     "json",
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if closer == nil {
		t.Fatal("expected a closer for file output")
	}

	logger.Info("bridge starting", "port", 8080)
	logger.Debug("suppressed at info level")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), string(data))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "bridge starting" {
		t.Fatalf("msg = %v, want %q", rec["msg"], "bridge starting")
	}
	if rec["port"] != float64(8080) {
		t.Fatalf("port = %v, want 8080", rec["port"])
	}
}

func TestSetup_StdoutHasNoCloser(t *testing.T) {
	logger, closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "text", Output: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if closer != nil {
		t.Fatal("expected no closer for stdout output")
	}
}

func TestSetup_BadFilePathFails(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "taken")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// The parent "directory" is a regular file, so opening must fail.
	_, _, err := Setup(config.LoggingConfig{
		Level:     "info",
		Format:    "json",
		Output:    filepath.Join(blocked, "bridge.log"),
		MaxSizeMB: 1,
	})
	if err == nil {
		t.Fatal("expected Setup to fail for an unusable log path")
	}
}
