package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// HistorySize caps the in-memory sent history shown by /status.
	HistorySize int
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// Priority bands. The worker prefixes outgoing text by band so a glance at
// the chat tells alert severity apart.
const (
	PriorityInfo     = 5 // new course, course removed, digest
	PriorityWarning  = 7 // grade updated
	PriorityError    = 8 // fetch/login failure
	PriorityCritical = 9 // pending survey blocks grade access
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
