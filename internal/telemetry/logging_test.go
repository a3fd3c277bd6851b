package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("job started", "job_id", "j-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "job started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("expected timestamp key (renamed from time)")
	}
}

func TestLoggerRedactsSensitiveAttrs(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("provider configured", "api_key", "sk-proj-abcdefghijklmnop")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "sk-proj") {
		t.Error("api key leaked into log output")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Error("expected redaction marker in log output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
