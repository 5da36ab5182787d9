package scheduler

import (
	"time"

	"ubysbot/internal/task/engine"
)

// Snapshot collects trigger state plus the executor's counters into the
// view rendered by /sched.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	out := Snapshot{
		Enabled:   enabled,
		Timezone:  tz,
		Schedules: items,
		History:   []HistoryItem{},
	}

	if eng != nil {
		es := eng.Snapshot()
		out.Workers = es.Workers
		out.InFlight = es.InFlight
		out.QueueLen = es.QueueLen
		out.QueueCap = es.QueueCap
		out.Dropped = es.Dropped
		out.DroppedQueueFull = es.DroppedQueueFull
		out.DroppedStale = es.DroppedStale
		out.DefaultTimeout = es.DefaultTimeout
		out.MaxQueueDelay = es.MaxQueueDelay
		out.RetryMax = es.RetryMax
		out.History = es.History
	}

	// Show the retry policy exactly as the executor resolves it.
	opt := engine.DefaultTaskOptions(engine.Config{RetryMax: out.RetryMax})
	out.RetryMax = opt.RetryMax
	out.RetryBase = opt.RetryBase
	out.RetryMaxDelay = opt.RetryMaxDelay
	out.RetryJitter = opt.RetryJitter

	return out
}
