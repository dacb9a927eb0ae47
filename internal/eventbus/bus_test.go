package eventbus

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	Emit(b, "run.finished", "payload")

	select {
	case e := <-ch:
		if e.Type != "run.finished" {
			t.Fatalf("type = %q, want run.finished", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("event time not stamped")
		}
		if s, _ := e.Data.(string); s != "payload" {
			t.Fatalf("data = %v, want payload", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick"})
	}

	// Buffer of one: exactly one event fits, the rest are dropped rather
	// than blocking the publisher.
	got := 0
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Fatalf("received %d events, want 1", got)
	}
}

func TestBusUnsubscribeIsSafe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: "tick"})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
