package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "poll.completed", Data: "acct-1"})

	select {
	case e := <-ch:
		if e.Type != "poll.completed" {
			t.Fatalf("Type = %q, want poll.completed", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish should stamp zero Time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer, then publish once more. The extra event must be
	// dropped without blocking.
	b.Publish(Event{Type: "first"})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	e := <-ch
	if e.Type != "first" {
		t.Fatalf("Type = %q, want first", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)

	// Unsubscribe closes the channel; a concurrent Publish must not panic.
	unsub()
	b.Publish(Event{Type: "grades.changed"})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Double unsubscribe is a no-op.
	unsub()
}
