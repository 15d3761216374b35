package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLogEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "deck.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLoggerEmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "host", "lab")

	entries := readLogEntries(t, home)
	if len(entries) == 0 {
		t.Fatal("expected at least one log line")
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "deck" {
		t.Errorf("component = %#v, want deck", entry["component"])
	}
	if entry["host"] != "lab" {
		t.Errorf("host attr = %#v", entry["host"])
	}
}

func TestNewLoggerRedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("handshake", "device_token", "super-secret-value")
	logger.Info("request", "header", "Bearer abc123def456ghi789jkl0")

	entries := readLogEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["device_token"] != "[REDACTED]" {
		t.Errorf("device_token = %#v, want [REDACTED]", entries[0]["device_token"])
	}
	if got, _ := entries[1]["header"].(string); strings.Contains(got, "abc123") {
		t.Errorf("bearer value leaked: %q", got)
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entries := readLogEntries(t, home)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Errorf("entries = %#v, want only the warning", entries)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
