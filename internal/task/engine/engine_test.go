package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "ubysbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
	return s
}

// waitHistory polls until the engine has recorded at least n history items.
// Circuit state is updated before the history append, so seeing the item
// means the result is fully accounted for.
func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h := s.Snapshot().History
		if len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history items (have %d)", n, len(s.Snapshot().History))
	return nil
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	if err := s.Enqueue(Task{Name: "no-run"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty Name")
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()
	run := func(context.Context) error { return nil }

	s := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue on disabled engine = %v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}
}

func TestTaskRunsAndHistoryRecorded(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	var ran atomic.Int32
	err := s.Enqueue(Task{Name: "poll.alice", Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := waitHistory(t, s, 1)
	if got := ran.Load(); got != 1 {
		t.Fatalf("task ran %d times, want 1", got)
	}
	if h[0].Name != "poll.alice" || h[0].Error != "" {
		t.Fatalf("history item = %+v, want success for poll.alice", h[0])
	}
	if h[0].ID == "" {
		t.Fatal("expected a generated task ID")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var attempts atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if attempts.Add(1) < 2 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := waitHistory(t, s, 1)
	if h[0].Error != "" {
		t.Fatalf("task failed after retries: %s", h[0].Error)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestNoRetryStopsRetries(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var attempts atomic.Int32
	err := s.Enqueue(Task{
		Name: "rejected",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			attempts.Add(1)
			return NoRetry(errors.New("login rejected"))
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := waitHistory(t, s, 1)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries)", got)
	}
	if h[0].Error != "login rejected" {
		t.Fatalf("history error = %q, want unwrapped cause", h[0].Error)
	}
}

func TestOverlapSkipWhileQueuedOrRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	blocked := Task{
		Name: "poll.bob",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}

	if err := s.Enqueue(blocked); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// Overlap is claimed at enqueue time, so the second submit always skips.
	if err := s.Enqueue(blocked); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue = %v, want ErrOverlapSkip", err)
	}

	close(release)
	waitHistory(t, s, 1)

	// After the first run finished, the gate opens again. The release happens
	// in a deferred call, so allow a brief window for it.
	done := Task{
		Name: "poll.bob",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:  func(context.Context) error { return nil },
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := s.Enqueue(done)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrOverlapSkip) {
			t.Fatalf("enqueue after release: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("overlap gate never reopened")
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitHistory(t, s, 2)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{
		Workers:             1,
		CircuitTripFailures: 2,
		CircuitBaseDelay:    time.Minute,
		CircuitMaxDelay:     time.Minute,
		CircuitResetAfter:   time.Hour,
	})

	fail := Task{
		Name: "poll.down",
		Run: func(context.Context) error {
			return NoRetry(errors.New("portal unreachable"))
		},
	}

	if err := s.Enqueue(fail); err != nil {
		t.Fatalf("enqueue #1: %v", err)
	}
	waitHistory(t, s, 1)
	if err := s.Enqueue(fail); err != nil {
		t.Fatalf("enqueue #2: %v", err)
	}
	waitHistory(t, s, 2)

	err := s.Enqueue(fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("enqueue with open circuit = %v, want ErrCircuitOpen", err)
	}

	snap := s.Snapshot()
	if snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen = %d, want 1", snap.CircuitOpen)
	}
	// The skip itself lands in history for operator visibility.
	h := waitHistory(t, s, 3)
	if h[len(h)-1].Error != "circuit_open" {
		t.Fatalf("last history error = %q, want circuit_open", h[len(h)-1].Error)
	}
}

func TestBackoffDelayGrowth(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 500 * time.Millisecond, RetryJitter: 0.2}

	// nil rng disables jitter, making the schedule deterministic.
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
		{9, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRetryAfterHintRespected(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 10 * time.Second}

	hint := RetryAfter(errors.New("throttled"), 3*time.Second)
	if got := backoffDelayWithHint(opt, 1, hint, nil); got != 3*time.Second {
		t.Fatalf("hint delay = %v, want 3s", got)
	}

	// Hints are still bounded by RetryMaxDelay.
	big := RetryAfter(errors.New("throttled"), time.Hour)
	if got := backoffDelayWithHint(opt, 1, big, nil); got != 10*time.Second {
		t.Fatalf("bounded hint delay = %v, want 10s", got)
	}
}

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad credentials")
	wrapped := NoRetry(base)
	if !IsNoRetry(wrapped) {
		t.Fatal("IsNoRetry(wrapped) = false")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if IsNoRetry(base) {
		t.Fatal("IsNoRetry(base) = true for plain error")
	}
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) should be nil")
	}
}
