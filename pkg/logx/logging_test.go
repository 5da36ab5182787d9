package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelOf(t *testing.T) {
	cases := []struct {
		in   string
		def  Level
		want Level
	}{
		{"trace", LevelInfo, LevelTrace},
		{"DEBUG", LevelInfo, LevelDebug},
		{" info ", LevelError, LevelInfo},
		{"warning", LevelInfo, LevelWarn},
		{"error", LevelInfo, LevelError},
		{"", LevelWarn, LevelWarn},
		{"verbose", LevelInfo, LevelInfo},
	}
	for _, tc := range cases {
		if got := levelOf(tc.in, tc.def); got != tc.want {
			t.Errorf("levelOf(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Fatalf("short string changed: %q", got)
	}
	if got := clip("abcdefghij", 10); got != "abcdefghij" {
		t.Fatalf("exact-length string changed: %q", got)
	}
	got := clip(strings.Repeat("x", 50), 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("clip(50 -> 20) = %q", got)
	}
	if got := clip("abcdef", 4); got != "abcd" {
		t.Fatalf("tiny cap: %q", got)
	}
}

func TestRelayLine(t *testing.T) {
	in := `{"time":"2026-01-02T10:00:00Z","level":"error","message":"poll failed","comp":"monitor","account":"alice","attempt":2}`
	want := "[ERROR] poll failed\n- account=alice\n- attempt=2\n- comp=monitor"
	if got := relayLine([]byte(in)); got != want {
		t.Fatalf("relayLine:\n got %q\nwant %q", got, want)
	}

	if got := relayLine([]byte("  plain text\n")); got != "plain text" {
		t.Fatalf("non-JSON passthrough: %q", got)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}, nil)
	log = log.With(String("comp", "test"))
	log.Info("hello", Int("n", 3))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["level"] != "info" {
		t.Fatalf("level = %v", m["level"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestEmitRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.Debug("filtered")
	log.Warn("kept", String("k", "v"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("want exactly the warn line, got %d lines:\n%s", len(lines), data)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if m["message"] != "kept" || m["level"] != "warn" || m["k"] != "v" {
		t.Fatalf("unexpected line: %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("also dropped")
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop logger is usable, not zero")
	}
}

func TestEnabled(t *testing.T) {
	l := NewConsole("error")
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be filtered at error level")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should pass at error level")
	}
}
