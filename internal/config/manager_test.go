package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleJSON = `{
  "telegram": {
    "token": "123:abc",
    "default_chat_id": -100200300,
    "owner_user_ids": [42],
    "group_log": "",
    "poll_timeout": "10s"
  },
  "logging": {
    "level": "INFO",
    "console": true,
    "file": {"enabled": false, "path": ""},
    "telegram": {"enabled": false, "thread_id": 0, "min_level": "WARN", "rate_per_sec": 1}
  },
  "monitor": {
    "enabled": true,
    "interval": "60s",
    "timeout": "10s",
    "parallel": 3,
    "session_ttl": "30m",
    "survey": {"auto_complete": false, "notify": true},
    "accounts": [
      {
        "name": "alice",
        "username": "20210001",
        "password": "hunter2",
        "grades_url": "https://ubys.example.edu/AIS/Student/Class/Index?sapid=111",
        "enabled": true
      }
    ]
  },
  "scheduler": {"enabled": true, "digest": "08:30"}
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q, want 123:abc", cfg.Telegram.Token)
	}
	if len(cfg.Monitor.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(cfg.Monitor.Accounts))
	}
	a := cfg.Monitor.Accounts[0]
	if a.Name != "alice" || !a.Enabled {
		t.Fatalf("unexpected account %+v", a)
	}
	if cfg.Scheduler.Digest != "08:30" {
		t.Fatalf("Digest = %q, want 08:30", cfg.Scheduler.Digest)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	const y = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  group_log: ""
  poll_timeout: 10s
logging:
  level: DEBUG
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: WARN, rate_per_sec: 1}
monitor:
  enabled: true
  interval: 45s
  accounts:
    - name: bob
      username: "20210002"
      password: secret
      grades_url: https://ubys.example.edu/AIS/Student/Class/Index?sapid=222
      enabled: false
scheduler:
  enabled: false
`
	path := writeTemp(t, "config.yaml", y)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("Level = %q, want DEBUG", cfg.Logging.Level)
	}
	if cfg.Monitor.Interval != "45s" {
		t.Fatalf("Interval = %q, want 45s", cfg.Monitor.Interval)
	}
	if cfg.Monitor.Accounts[0].Enabled {
		t.Fatal("bob should be disabled")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"telegram": {"token": "x"}, "bogus_section": {}}`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"telegram": {"token": "x"}} {"more": 1}`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected error for trailing JSON")
	}
}

func TestSubscribePublishDropOldest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Monitor: MonitorConfig{Enabled: true}}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got != second {
		t.Fatal("expected the newest config after overflow")
	}
}
