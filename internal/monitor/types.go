package monitor

import (
	"context"
	"time"

	"ubysbot/internal/config"
	"ubysbot/internal/task/scheduler"
	kit "ubysbot/internal/transport"
)

// Account is one student login under watch: portal coordinates plus the
// chat that receives its alerts.
type Account struct {
	Name      string
	Username  string
	Password  string
	GradesURL string
	ChatID    int64

	// Schedule overrides the shared poll interval: a duration, HH:MM, or a
	// cron expression (see scheduler.ParseSchedule). Empty uses Interval.
	Schedule string

	Enabled bool
}

// SurveyPolicy decides what happens when a course survey gates the grades
// page.
type SurveyPolicy struct {
	AutoComplete bool
	Notify       bool
}

// Config holds parsed monitor settings.
type Config struct {
	Enabled    bool
	Interval   time.Duration
	Timeout    time.Duration
	Parallel   int
	SessionTTL time.Duration

	// BaseURL is the portal root. When empty it is derived per account
	// from the grades URL.
	BaseURL string

	Survey   SurveyPolicy
	Accounts []Account

	// DefaultChatID receives alerts for accounts without their own chat.
	DefaultChatID int64

	// Digest is "HH:MM" (daily) or a cron expression; empty disables the
	// daily summary.
	Digest string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Parallel <= 0 {
		c.Parallel = 3
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	return c
}

// FromConfig maps the app config onto monitor settings. Duration strings
// were validated at config load, so parse failures just fall back to the
// documented defaults.
func FromConfig(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}.withDefaults()
	}
	m := cfg.Monitor
	interval, _ := config.ParseDurationOrDefault("monitor.interval", m.Interval, 5*time.Second)
	timeout, _ := config.ParseDurationOrDefault("monitor.timeout", m.Timeout, 10*time.Second)
	ttl, _ := config.ParseDurationOrDefault("monitor.session_ttl", m.SessionTTL, 30*time.Minute)

	out := Config{
		Enabled:       m.Enabled,
		Interval:      interval,
		Timeout:       timeout,
		Parallel:      m.Parallel,
		SessionTTL:    ttl,
		BaseURL:       m.BaseURL,
		Survey:        SurveyPolicy{AutoComplete: m.Survey.AutoComplete, Notify: m.Survey.Notify},
		DefaultChatID: cfg.Telegram.DefaultChatID,
		Digest:        cfg.Scheduler.Digest,
	}
	for _, a := range m.Accounts {
		out.Accounts = append(out.Accounts, Account{
			Name:      a.Name,
			Username:  a.Username,
			Password:  a.Password,
			GradesURL: a.GradesURL,
			ChatID:    a.ChatID,
			Schedule:  a.Schedule,
			Enabled:   a.Enabled,
		})
	}
	return out.withDefaults()
}

// Notifier is the outbound alert sink. *notifier.Service satisfies it.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Scheduler is the trigger surface polls are registered on.
// *scheduler.Service satisfies it.
type Scheduler interface {
	AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	AddCronOpt(name, spec string, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// PollEvent is the Data payload of monitor.* bus events.
type PollEvent struct {
	Account  string        `json:"account"`
	Baseline bool          `json:"baseline,omitempty"`
	Changed  bool          `json:"changed"`
	New      int           `json:"new,omitempty"`
	Updated  int           `json:"updated,omitempty"`
	Removed  int           `json:"removed,omitempty"`
	Err      string        `json:"err,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
}

// StateEvent is the Data payload of monitor.paused / monitor.resumed.
type StateEvent struct {
	Paused bool      `json:"paused"`
	At     time.Time `json:"at"`
}

const (
	schedulePrefix = "monitor.poll."
	digestSchedule = "monitor.digest"

	// Consecutive fetch failures before an alert notification goes out.
	// The task engine's circuit breaker throttles the polls themselves.
	alertAfterFailures = 3

	// Shared portal budget across every account's client.
	portalRatePerSec = 1
	portalBurst      = 3
)

// pollTaskTimeout bounds one full pipeline run: login, fetch, survey gate,
// refetch. Each individual request is already bounded by reqTimeout.
func pollTaskTimeout(reqTimeout time.Duration) time.Duration {
	t := 8 * reqTimeout
	if t < 45*time.Second {
		t = 45 * time.Second
	}
	return t
}
