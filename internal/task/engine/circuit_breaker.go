package engine

import (
	"strings"
	"sync"
	"time"
)

// breaker is the per-task failure streak. Consecutive failures at or past
// the trip threshold open it for an exponentially growing cooldown; any
// success (or a quiet period of resetAfter) closes it.
type breaker struct {
	streak    int
	openUntil time.Time
	lastFail  time.Time
}

// maybeExpire forgets an old streak. Failures separated by more than reset
// describe different outages, not one worsening one.
func (b *breaker) maybeExpire(now time.Time, reset time.Duration) {
	if b.lastFail.IsZero() || reset <= 0 {
		return
	}
	if now.Sub(b.lastFail) > reset {
		b.streak = 0
		b.openUntil = time.Time{}
	}
}

// circuitSettings are the engine defaults merged with a task's overrides.
type circuitSettings struct {
	trip  int
	base  time.Duration
	max   time.Duration
	reset time.Duration
}

// resolveCircuit returns ok=false when the breaker is disabled, either
// engine-wide (CircuitTripFailures < 0) or for this task.
func resolveCircuit(cfg Config, opt TaskOptions) (circuitSettings, bool) {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return circuitSettings{}, false
	}
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}

	set := circuitSettings{
		trip:  trip,
		base:  cfg.CircuitBaseDelay,
		max:   cfg.CircuitMaxDelay,
		reset: cfg.CircuitResetAfter,
	}
	if set.base <= 0 {
		set.base = 5 * time.Second
	}
	if set.max <= 0 {
		set.max = 2 * time.Minute
	}
	if set.reset <= 0 {
		set.reset = 5 * time.Minute
	}
	return set, true
}

// circuitStore keys breakers by task name. One mutex guards the map and all
// entries; breaker transitions are tiny next to the polls they gate.
type circuitStore struct {
	mu      sync.Mutex
	entries map[string]*breaker
}

func (s *circuitStore) entryLocked(key string) *breaker {
	if s.entries == nil {
		s.entries = make(map[string]*breaker)
	}
	b := s.entries[key]
	if b == nil {
		b = &breaker{}
		s.entries[key] = b
	}
	return b
}

func (s *circuitStore) isOpen(now time.Time, key string, set circuitSettings) (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.entryLocked(key)
	b.maybeExpire(now, set.reset)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, set circuitSettings, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.entryLocked(key)
	b.maybeExpire(now, set.reset)

	if err == nil {
		*b = breaker{}
		return
	}

	b.streak++
	b.lastFail = now
	if b.streak < set.trip {
		return
	}

	// Doubles per failure past the trip point, capped.
	cool := set.base
	for n := b.streak - set.trip; n > 0 && cool < set.max; n-- {
		cool *= 2
	}
	if cool > set.max {
		cool = set.max
	}
	b.openUntil = now.Add(cool)
}

func (s *circuitStore) stats(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.entries)
	for _, b := range s.entries {
		if b != nil && !b.openUntil.IsZero() && now.Before(b.openUntil) {
			open++
		}
	}
	return total, open
}

func (s *Service) circuitIsOpen(now time.Time, taskKey string, cfg Config, opt TaskOptions) (bool, time.Time) {
	key := strings.TrimSpace(taskKey)
	if key == "" {
		return false, time.Time{}
	}
	set, ok := resolveCircuit(cfg, opt)
	if !ok {
		return false, time.Time{}
	}
	return s.circuits.isOpen(now, key, set)
}

func (s *Service) circuitRecordResult(now time.Time, taskKey string, cfg Config, opt TaskOptions, err error) {
	key := strings.TrimSpace(taskKey)
	if key == "" {
		return
	}
	set, ok := resolveCircuit(cfg, opt)
	if !ok {
		return
	}
	s.circuits.record(now, key, set, err)
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if _, ok := resolveCircuit(cfg, TaskOptions{}); !ok {
		return 0, 0
	}
	return s.circuits.stats(now)
}
