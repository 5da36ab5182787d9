package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ubysbot/internal/eventbus"
	kit "ubysbot/internal/transport"
	logx "ubysbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	// failFirst makes the first N sends return an error.
	failFirst int
	calls     int
	// gate, when non-nil, blocks every send until closed.
	gate chan struct{}
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return kit.MessageRef{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		QueueSize:  16,
		RatePerSec: 1000,
		RetryBase:  time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func note(text string, prio int) kit.Notification {
	return kit.Notification{
		Channel:  "grades.update",
		Priority: prio,
		Target:   kit.ChatTarget{ChatID: 42},
		Text:     text,
	}
}

func TestNotifyDeliversWithPriorityPrefix(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("AB101 updated", PriorityWarning)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "send", func() bool { return len(ad.sentTexts()) == 1 })

	got := ad.sentTexts()[0]
	if !strings.HasPrefix(got, "⚠️ ") || !strings.Contains(got, "AB101 updated") {
		t.Errorf("sent %q, want warning prefix + original text", got)
	}

	hist := s.Snapshot()
	if len(hist) != 1 || hist[0].Channel != "grades.update" {
		t.Errorf("history = %+v, want one grades.update item", hist)
	}
}

func TestNotifyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeAdapter{}, logx.Nop(), nil, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("x", 0)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify = %v, want ErrDisabled", err)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("late", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify = %v, want ErrStopped", err)
	}
}

func TestDedupSuppressesWithinWindow(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, ad, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := note("AB101 updated", PriorityWarning)
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	waitFor(t, "first send", func() bool { return len(ad.sentTexts()) == 1 })

	// A different text must still pass.
	if err := s.Notify(context.Background(), note("CD202 updated", PriorityWarning)); err != nil {
		t.Fatalf("third Notify: %v", err)
	}
	waitFor(t, "second send", func() bool { return len(ad.sentTexts()) == 2 })

	var deduped bool
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == "notifier.deduped" {
				deduped = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !deduped {
		t.Error("no notifier.deduped event published")
	}
}

func TestQueueFull(t *testing.T) {
	ad := &fakeAdapter{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, ad, logx.Nop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// First fills the worker, second fills the queue slot; each message
	// differs so dedup never kicks in.
	_ = s.Notify(ctx, note("a", 0))
	_ = s.Notify(ctx, note("b", 0))
	// The worker picks jobs up asynchronously, so the queue may need a third
	// message before the buffer is provably full.
	var err error
	waitFor(t, "queue full", func() bool {
		err = s.Notify(ctx, note("c"+time.Now().String(), 0))
		return errors.Is(err, ErrQueueFull)
	})

	close(ad.gate)
	s.Stop(context.Background())
}

func TestRetryEventuallySucceeds(t *testing.T) {
	ad := &fakeAdapter{failFirst: 2}
	cfg := testConfig()
	cfg.RetryMax = 3
	s := New(cfg, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("flaky", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "retried send", func() bool { return len(ad.sentTexts()) == 1 })
	if c := ad.callCount(); c != 3 {
		t.Errorf("adapter calls = %d, want 3 (2 failures + 1 success)", c)
	}
}

func TestRetryExhaustedPublishesFailed(t *testing.T) {
	ad := &fakeAdapter{failFirst: 100}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.RetryMax = 1
	s := New(cfg, ad, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("doomed", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == "notifier.failed" {
				ev, ok := e.Data.(NotificationEvent)
				if !ok || ev.Error == "" {
					t.Errorf("failed event data = %+v, want NotificationEvent with error", e.Data)
				}
				if c := ad.callCount(); c != 2 {
					t.Errorf("adapter calls = %d, want 2", c)
				}
				return
			}
		case <-deadline:
			t.Fatal("no notifier.failed event published")
		}
	}
}

func TestStopDrainsQueue(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), note("msg "+string(rune('a'+i)), 0)); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	s.Stop(context.Background())

	if got := len(ad.sentTexts()); got != 5 {
		t.Errorf("sent %d messages after Stop, want 5 (queue drained)", got)
	}
}

func TestDedupKeyStableAndDistinct(t *testing.T) {
	a := dedupKey(note("same", 5))
	b := dedupKey(note("same", 5))
	c := dedupKey(note("other", 5))
	if a == "" || a != b {
		t.Errorf("same notification hashed to %q vs %q, want equal non-empty", a, b)
	}
	if a == c {
		t.Error("different texts hashed to the same dedup key")
	}
	empty := dedupKey(kit.Notification{Text: "no channel"})
	if empty != "" {
		t.Errorf("channel-less notification key = %q, want empty (no dedup)", empty)
	}
}
