package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: WatchRegistered, Data: "ev1"})

	select {
	case e := <-ch:
		if e.Type != WatchRegistered || e.Data != "ev1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish must not block even though nobody is draining.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: WatchDetected})
		b.Publish(Event{Type: WatchDetected})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("subscriber has %d events, want 1", len(ch))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: WatchRetired})

	if _, ok := <-ch; ok {
		t.Fatal("received event after unsubscribe")
	}
}
