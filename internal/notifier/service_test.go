package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "ticketwatch/internal/transport"
	"ticketwatch/pkg/logx"
)

type recordAdapter struct {
	mu      sync.Mutex
	sent    []string
	failFor int // fail the first N sends
}

func (a *recordAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (a *recordAdapter) Stop(context.Context) error                      { return nil }

func (a *recordAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failFor > 0 {
		a.failFor--
		return errors.New("telegram: 429")
	}
	a.sent = append(a.sent, text)
	return nil
}

func (a *recordAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceDeliversAcrossApply(t *testing.T) {
	t.Parallel()
	ad := &recordAdapter{}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 100}, ad, "https://example.test/event/%s", logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Announce(ctx, kit.ChatTarget{ChatID: 1}, "before"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return ad.sentCount() >= 1 })

	// Workers and queue size are fixed at Start; Apply must leave the running
	// pipeline intact and keep delivering with the new rate/retry settings.
	s.Apply(Config{Workers: 4, QueueSize: 64, RatePerSec: 50, RetryMax: 1})

	if err := s.Announce(ctx, kit.ChatTarget{ChatID: 1}, "after"); err != nil {
		t.Fatalf("Announce after Apply: %v", err)
	}
	waitFor(t, "delivery after Apply", func() bool { return ad.sentCount() >= 2 })

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	if got := len(s.History()); got != 2 {
		t.Fatalf("history has %d items, want 2", got)
	}
}

func TestServiceRetriesFailedSends(t *testing.T) {
	t.Parallel()
	ad := &recordAdapter{failFor: 1}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, ad, "https://example.test/event/%s", logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	if err := s.Announce(ctx, kit.ChatTarget{ChatID: 1}, "retry me"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "delivery after retry", func() bool { return ad.sentCount() >= 1 })
}

func TestServiceRejectsEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	ad := &recordAdapter{}
	s := New(Config{}, ad, "https://example.test/event/%s", logx.Nop())

	if err := s.Announce(context.Background(), kit.ChatTarget{ChatID: 1}, "too early"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Announce before Start = %v, want ErrStopped", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	if err := s.Announce(context.Background(), kit.ChatTarget{ChatID: 1}, "too late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Announce after Stop = %v, want ErrStopped", err)
	}
}
