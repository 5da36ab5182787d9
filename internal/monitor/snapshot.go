package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ubysbot/internal/grades"
	"ubysbot/internal/monitor/ops"
)

// Snapshot reports runtime state for every configured account, in config
// order.
func (s *Service) Snapshot() ops.MonitorSnapshot {
	s.mu.Lock()
	paused := s.paused
	states := make([]*accountState, 0, len(s.order))
	for _, name := range s.order {
		if st := s.states[name]; st != nil {
			states = append(states, st)
		}
	}
	s.mu.Unlock()

	snap := ops.MonitorSnapshot{Time: time.Now(), Paused: paused}
	for _, st := range states {
		st.mu.Lock()
		status := ops.AccountStatus{
			Name:       st.acct.Name,
			Enabled:    st.acct.Enabled,
			LastPoll:   st.lastPoll,
			LastChange: st.lastChange,
			LastErr:    st.lastErr,
			ErrStreak:  st.errStreak,
			Courses:    st.courses,
			Exams:      st.exams,
		}
		if status.LastErr == "" && st.initErr != "" {
			status.LastErr = st.initErr
		}
		client := st.client
		st.mu.Unlock()
		if client != nil {
			status.LoggedIn = client.LoggedIn()
		}
		snap.Accounts = append(snap.Accounts, status)
	}
	return snap
}

// LastCourses returns the most recent course list for one account, falling
// back to the snapshot store when the account has not been polled since
// startup. ok reports whether any observation exists.
func (s *Service) LastCourses(ctx context.Context, name string) (courses []grades.Course, at time.Time, ok bool, err error) {
	st := s.stateFor(name)
	if st == nil {
		return nil, time.Time{}, false, fmt.Errorf("unknown account %q", name)
	}
	st.mu.Lock()
	seen := st.haveSeen
	last := st.lastSeen
	polled := st.lastPoll
	st.mu.Unlock()
	if seen {
		return last, polled, true, nil
	}
	if s.store == nil {
		return nil, time.Time{}, false, nil
	}
	rec, found, err := s.store.GetSnapshot(ctx, name)
	if err != nil || !found {
		return nil, time.Time{}, false, err
	}
	list, err := grades.DecodeCourses(rec.Courses)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return list, rec.TakenAt, true, nil
}

// CheckNow polls the named accounts immediately, bypassing both the schedule
// and a pause. Empty names means every enabled account. Results come back in
// request order; per-account failures land in the result, never as a panic
// or short write.
func (s *Service) CheckNow(ctx context.Context, names []string) []ops.CheckResult {
	cfg := s.configSnapshot()
	if len(names) == 0 {
		s.mu.Lock()
		for _, name := range s.order {
			st := s.states[name]
			if st == nil {
				continue
			}
			st.mu.Lock()
			enabled := st.acct.Enabled
			st.mu.Unlock()
			if enabled {
				names = append(names, name)
			}
		}
		s.mu.Unlock()
	}
	if len(names) == 0 {
		return nil
	}

	par := cfg.Parallel
	if par < 1 {
		par = 1
	}
	results := make([]ops.CheckResult, len(names))
	sem := make(chan struct{}, par)
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res, _ := s.pollAccount(ctx, name)
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}
