package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketwatch/internal/config"
	rtsup "ticketwatch/internal/runtime/supervisor"
	kit "ticketwatch/internal/transport"
	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

type stubAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *stubAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (a *stubAdapter) Stop(context.Context) error                     { return nil }

func (a *stubAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) lastSent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return ""
	}
	return a.sent[len(a.sent)-1]
}

func (a *stubAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type stubSession struct{}

func (stubSession) Navigate(context.Context, string) error      { return nil }
func (stubSession) Fetch(context.Context, string) ([]byte, error) { return []byte(`{"offers":[]}`), nil }
func (stubSession) Connected() bool                             { return true }
func (stubSession) Close(time.Duration) error                   { return nil }

func testManager(t *testing.T) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"telegram":{"token":"123:abc","owner_user_ids":[10]},"storage":{"driver":"none"}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m := config.NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	return m
}

func testCommands(t *testing.T) (*Commands, *stubAdapter, *watch.Registry) {
	t.Helper()
	ad := &stubAdapter{}
	cfgm := testManager(t)
	cfg := cfgm.Get()

	sup := rtsup.New(context.Background())
	t.Cleanup(func() {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})

	factory := func(context.Context) (watch.Session, error) { return stubSession{}, nil }
	reg := watch.NewRegistry(watch.Config{
		EventURL:     cfg.Watch.EventURL,
		InventoryURL: cfg.Watch.InventoryURL,
		Loop: watch.Options{
			Interval:        5 * time.Millisecond,
			NavTimeout:      100 * time.Millisecond,
			FetchTimeout:    100 * time.Millisecond,
			SettleDelay:     time.Millisecond,
			TeardownTimeout: 250 * time.Millisecond,
		},
	}, factory, nopNotifier{}, nil, sup, logx.Nop())
	t.Cleanup(func() { reg.StopAll(context.Background()) })

	return NewCommands(ad, reg, cfgm, logx.Nop()), ad, reg
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, watch.Definition, watch.Report) {}

func ownerMsg(text string) kit.Message {
	return kit.Message{ChatID: -500, FromID: 10, Text: text}
}

func TestCommandsWatchLifecycle(t *testing.T) {
	t.Parallel()
	c, ad, reg := testCommands(t)
	ctx := context.Background()

	c.handle(ctx, ownerMsg("/watch ev1 3 @alice"))
	if !strings.Contains(ad.lastSent(), "Watching ev1 every 3 min") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}
	defs := reg.List()
	if len(defs) != 1 {
		t.Fatalf("registry has %d watches, want 1", len(defs))
	}
	d := defs[0]
	if d.EventID != "ev1" || d.PollInterval != 3 || d.Target.ChatID != -500 {
		t.Fatalf("unexpected definition: %+v", d)
	}
	if len(d.Target.Mentions) != 1 || d.Target.Mentions[0] != "@alice" {
		t.Fatalf("mentions = %v", d.Target.Mentions)
	}

	c.handle(ctx, ownerMsg("/watch ev1"))
	if !strings.Contains(ad.lastSent(), "Already watching") {
		t.Fatalf("unexpected duplicate reply: %q", ad.lastSent())
	}

	c.handle(ctx, ownerMsg("/watches"))
	if !strings.Contains(ad.lastSent(), "ev1 — every 3 min") {
		t.Fatalf("unexpected list reply: %q", ad.lastSent())
	}

	c.handle(ctx, ownerMsg("/unwatch ev1"))
	if !strings.Contains(ad.lastSent(), "Stopped watching ev1") {
		t.Fatalf("unexpected unwatch reply: %q", ad.lastSent())
	}
	if got := len(reg.List()); got != 0 {
		t.Fatalf("registry has %d watches after unwatch", got)
	}

	c.handle(ctx, ownerMsg("/unwatch ev1"))
	if !strings.Contains(ad.lastSent(), "Not watching ev1") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}
}

func TestCommandsDefaultIntervalAndUsage(t *testing.T) {
	t.Parallel()
	c, ad, reg := testCommands(t)
	ctx := context.Background()

	c.handle(ctx, ownerMsg("/watch"))
	if !strings.Contains(ad.lastSent(), "Usage:") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}

	c.handle(ctx, ownerMsg("/watch ev9"))
	defs := reg.List()
	if len(defs) != 1 || defs[0].PollInterval != 5 {
		t.Fatalf("default interval not applied: %+v", defs)
	}

	c.handle(ctx, ownerMsg("/watch ev10 often"))
	if !strings.Contains(ad.lastSent(), "Unrecognized argument") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}

	c.handle(ctx, ownerMsg("/watch ev11 99"))
	if !strings.Contains(ad.lastSent(), "Could not start") {
		t.Fatalf("out-of-range interval accepted: %q", ad.lastSent())
	}
}

func TestCommandsOwnerGate(t *testing.T) {
	t.Parallel()
	c, ad, reg := testCommands(t)
	ctx := context.Background()

	c.handle(ctx, kit.Message{ChatID: -500, FromID: 999, Text: "/watch ev1"})
	if ad.sentCount() != 0 {
		t.Fatalf("non-owner got a reply: %q", ad.lastSent())
	}
	if got := len(reg.List()); got != 0 {
		t.Fatalf("non-owner registered a watch: %d", got)
	}

	// Plain chatter and unknown commands stay silent too.
	c.handle(ctx, ownerMsg("hello there"))
	c.handle(ctx, ownerMsg("/frobnicate"))
	if ad.sentCount() != 0 {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}

	c.handle(ctx, ownerMsg("/help"))
	if !strings.Contains(ad.lastSent(), "/watch <event-id>") {
		t.Fatalf("help reply missing: %q", ad.lastSent())
	}
}

func TestCommandsGroupSuffix(t *testing.T) {
	t.Parallel()
	c, ad, _ := testCommands(t)

	c.handle(context.Background(), ownerMsg("/watches@ticketwatch_bot"))
	if !strings.Contains(ad.lastSent(), "No active watches") {
		t.Fatalf("group-suffixed command not handled: %q", ad.lastSent())
	}
}
