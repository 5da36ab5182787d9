package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"ubysbot/internal/eventbus"
	"ubysbot/internal/task/engine"
	logx "ubysbot/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Istanbul"
}

// Re-export execution types from engine so callers registering schedules
// don't need a second import.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

type TaskEvent = engine.TaskEvent

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// scheduleDef is one registered trigger: an account poll or the digest.
// Definitions outlive the cron runner so Stop/Start cycles and timezone
// restarts can re-register them.
type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // jittered first-run delay for @every specs
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// Snapshot is what /sched renders: the registered triggers plus the
// executor's diagnostics, so one command answers both "what will run" and
// "is anything backed up".
type Snapshot struct {
	Enabled  bool
	Timezone string

	// Executor diagnostics (task engine).
	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DefaultTimeout   time.Duration
	MaxQueueDelay    time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64
	Schedules        []ScheduleInfo
	History          []HistoryItem
}
