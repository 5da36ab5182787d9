package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "123:abc", PollTimeout: "10s"},
		Monitor: MonitorConfig{
			Enabled:    true,
			Interval:   "60s",
			Timeout:    "10s",
			Parallel:   3,
			SessionTTL: "30m",
			Accounts: []Account{
				{
					Name:      "alice",
					Username:  "20210001",
					Password:  "pw",
					GradesURL: "https://ubys.example.edu/AIS/Student/Class/Index?sapid=1",
					Enabled:   true,
				},
			},
		},
		Scheduler: SchedulerConfig{Enabled: true},
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "missing username",
			mutate:  func(c *Config) { c.Monitor.Accounts[0].Username = "" },
			wantSub: "username",
		},
		{
			name:    "bad grades url",
			mutate:  func(c *Config) { c.Monitor.Accounts[0].GradesURL = "not a url" },
			wantSub: "grades_url",
		},
		{
			name: "duplicate account name",
			mutate: func(c *Config) {
				dup := c.Monitor.Accounts[0]
				c.Monitor.Accounts = append(c.Monitor.Accounts, dup)
			},
			wantSub: "duplicate",
		},
		{
			name:    "name with spaces",
			mutate:  func(c *Config) { c.Monitor.Accounts[0].Name = "bad name" },
			wantSub: "must match",
		},
		{
			name:    "bad interval",
			mutate:  func(c *Config) { c.Monitor.Interval = "sixty seconds" },
			wantSub: "monitor.interval",
		},
		{
			name:    "negative parallel",
			mutate:  func(c *Config) { c.Monitor.Parallel = -1 },
			wantSub: "monitor.parallel",
		},
		{
			name:    "bad base url",
			mutate:  func(c *Config) { c.Monitor.BaseURL = "://nope" },
			wantSub: "base_url",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
			wantSub: "timezone",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}
