package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Monitor holds the UBYS accounts being watched and the portal/poll
	// settings shared by all of them.
	Monitor MonitorConfig `json:"monitor"`

	// Scheduler controls trigger behavior (per-account intervals, digest cron).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for scheduled poll tasks.
	// If omitted, defaults documented on TaskEngineConfig apply.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// MonitorConfig configures the grade monitor: which accounts to watch and
// how to talk to the portal.
//
// All durations are Go duration strings (e.g. "10s", "1m", "30m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "5s"
//   - timeout: "10s"
//   - parallel: 3
//   - session_ttl: "30m"
//   - base_url: derived per account from grades_url when empty
type MonitorConfig struct {
	Enabled bool `json:"enabled"`

	// Interval is the default poll interval applied to accounts.
	Interval string `json:"interval,omitempty"`

	// Timeout bounds each portal HTTP request.
	Timeout string `json:"timeout,omitempty"`

	// Parallel caps how many accounts are polled concurrently.
	Parallel int `json:"parallel,omitempty"`

	// SessionTTL forces a fresh login after this much time on one session.
	SessionTTL string `json:"session_ttl,omitempty"`

	// BaseURL is the portal root (e.g. "https://ubys.omu.edu.tr/").
	// When empty it is derived from each account's grades_url.
	BaseURL string `json:"base_url,omitempty"`

	Survey SurveyConfig `json:"survey,omitempty"`

	Accounts []Account `json:"accounts" validate:"dive"`
}

// SurveyConfig controls what happens when the portal swaps the grades page
// for a course-survey gate.
type SurveyConfig struct {
	// AutoComplete submits the survey form with first-choice answers so the
	// grades page becomes reachable again. Off by default; turning it on
	// answers surveys on the student's behalf.
	AutoComplete bool `json:"auto_complete,omitempty"`
	// Notify sends a Telegram alert when a survey gate is detected.
	Notify bool `json:"notify,omitempty"`
}

// Account is one student login being monitored.
type Account struct {
	// Name identifies the account in logs, commands and storage keys.
	Name     string `json:"name" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`

	// GradesURL is the full course-grades page for this student
	// (e.g. ".../AIS/Student/Class/Index?sapid=...").
	GradesURL string `json:"grades_url" validate:"required,url"`

	// ChatID overrides telegram.default_chat_id for this account's alerts.
	ChatID int64 `json:"chat_id,omitempty"`

	// Schedule overrides monitor.interval for this account. Accepts a Go
	// duration ("55m"), HH:MM as a duration ("02:30" = every 2h30m), or a
	// cron expression ("0 8-22 * * *"). Empty means the shared interval.
	Schedule string `json:"schedule,omitempty"`

	Enabled bool `json:"enabled"`
}

// TaskEngineConfig controls the worker pool that runs poll tasks.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Enabled is a
// pointer: omitted follows monitor.enabled, while explicit false turns the
// engine off. Zero fields take the defaults documented on each knob
// (workers 2, queue_size 256, history_size 200, retry_max 3, cb_threshold
// 5, cb_cooldown "30s" doubling up to cb_cooldown_max "10m").
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds any task without its own timeout; "0s"
	// leaves tasks unbounded.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that sat queued longer than this; "0s"
	// disables stale dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// Circuit breaker: after CBThreshold consecutive failures a task is
	// skipped until its cooldown expires. Cooldown doubles per trip up to
	// CBCooldownMax.
	CBThreshold   int    `json:"cb_threshold,omitempty"`
	CBCooldown    string `json:"cb_cooldown,omitempty"`
	CBCooldownMax string `json:"cb_cooldown_max,omitempty"`
}

// NotifierConfig controls the outbound alert queue: worker count, send
// rate, retry policy and the duplicate-suppression window. Durations are
// Go duration strings. Omitting the whole section means enabled=true with
// defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	HistorySize     int    `json:"history_size,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the persistence layer for grade snapshots, the
// audit trail and the notifier dedup index.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./ubysbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite none"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server. Keep it on
// loopback ("127.0.0.1:6060"); any other bind requires a token or an
// explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts as Go duration strings. write_timeout stays 0 by
	// default so a 30s CPU profile is not cut short.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates; 0 keeps the Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// DefaultChatID receives alerts for accounts without their own chat_id.
	DefaultChatID int64 `json:"default_chat_id,omitempty"`

	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// Digest schedules a daily summary of all accounts' grades.
	// Accepts "HH:MM", a cron expression, or empty to disable.
	Digest string `json:"digest,omitempty"`
}
