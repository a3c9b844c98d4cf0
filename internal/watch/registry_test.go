package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ticketwatch/internal/eventbus"
	rtsup "ticketwatch/internal/runtime/supervisor"
	"ticketwatch/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	defs    map[string]Definition
	loadErr error
	deletes []string
}

func newFakeStore(defs ...Definition) *fakeStore {
	s := &fakeStore{defs: map[string]Definition{}}
	for _, d := range defs {
		s.defs[d.EventID] = d
	}
	return s
}

func (s *fakeStore) LoadAll(context.Context) ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) Save(_ context.Context, def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.EventID] = def
	return nil
}

func (s *fakeStore) Delete(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, eventID)
	s.deletes = append(s.deletes, eventID)
	return nil
}

func (s *fakeStore) has(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[eventID]
	return ok
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []Report
}

func (f *fakeNotifier) Notify(_ context.Context, _ Definition, rep Report) {
	f.mu.Lock()
	f.calls = append(f.calls, rep)
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sessionTracker struct {
	mu       sync.Mutex
	sessions []*fakeSession
	body     func(n int) ([]byte, error)
	launches int
	failFor  int // fail the first N launches
}

func (st *sessionTracker) factory(context.Context) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.launches++
	if st.launches <= st.failFor {
		return nil, errors.New("browser launch failed")
	}
	s := &fakeSession{fetchBody: st.body}
	st.sessions = append(st.sessions, s)
	return s, nil
}

func (st *sessionTracker) allClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.sessions {
		if !s.wasClosed() {
			return false
		}
	}
	return len(st.sessions) > 0
}

func emptyBody(int) ([]byte, error) { return []byte(`{"offers":[]}`), nil }

func testRegistry(t *testing.T, cfg Config, st *sessionTracker, store Store, notif Notifier) *Registry {
	t.Helper()
	if cfg.EventURL == "" {
		cfg.EventURL = "https://example.test/event/%s"
	}
	if cfg.InventoryURL == "" {
		cfg.InventoryURL = "https://example.test/api/%s"
	}
	if cfg.Loop == (Options{}) {
		cfg.Loop = fastOptions()
	}
	sup := rtsup.New(context.Background())
	t.Cleanup(func() {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})
	return NewRegistry(cfg, st.factory, notif, store, sup, logx.Nop())
}

func defFor(eventID string) Definition {
	return Definition{EventID: eventID, Target: NotifyTarget{ChatID: 7}, PollInterval: 1}
}

func TestRegistryRegisterListUnregister(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: emptyBody}
	store := newFakeStore()
	r := testRegistry(t, Config{}, st, store, &fakeNotifier{})
	defer r.StopAll(context.Background())

	if err := r.Register(context.Background(), defFor("bbb")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(context.Background(), defFor("aaa")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(context.Background(), defFor("aaa")); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("duplicate Register = %v, want ErrAlreadyWatching", err)
	}

	defs := r.List()
	if len(defs) != 2 || defs[0].EventID != "aaa" || defs[1].EventID != "bbb" {
		t.Fatalf("List = %+v, want sorted [aaa bbb]", defs)
	}
	if !store.has("aaa") || !store.has("bbb") {
		t.Fatal("registered watches not persisted")
	}

	if err := r.Unregister(context.Background(), "aaa"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if store.has("aaa") {
		t.Fatal("unregistered watch still persisted")
	}
	if err := r.Unregister(context.Background(), "aaa"); !errors.Is(err, ErrNotWatching) {
		t.Fatalf("second Unregister = %v, want ErrNotWatching", err)
	}
	if err := r.Unregister(context.Background(), "nope"); !errors.Is(err, ErrNotWatching) {
		t.Fatalf("unknown Unregister = %v, want ErrNotWatching", err)
	}
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: emptyBody}
	r := testRegistry(t, Config{}, st, nil, &fakeNotifier{})

	bad := []Definition{
		{EventID: "", Target: NotifyTarget{ChatID: 7}, PollInterval: 5},
		{EventID: "ev", Target: NotifyTarget{}, PollInterval: 5},
		{EventID: "ev", Target: NotifyTarget{ChatID: 7}, PollInterval: 0},
		{EventID: "ev", Target: NotifyTarget{ChatID: 7}, PollInterval: 61},
	}
	for _, d := range bad {
		if err := r.Register(context.Background(), d); err == nil {
			t.Fatalf("Register(%+v) succeeded, want validation error", d)
		}
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("List has %d entries after rejected registrations", got)
	}
}

func TestRegistryLaunchFailureRollsBack(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: emptyBody, failFor: 1}
	store := newFakeStore()
	r := testRegistry(t, Config{}, st, store, &fakeNotifier{})

	if err := r.Register(context.Background(), defFor("ev")); err == nil {
		t.Fatal("Register succeeded despite launch failure")
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("failed watch left in registry: %d entries", got)
	}
	if store.has("ev") {
		t.Fatal("failed watch persisted")
	}

	// A retry for the same id must not be blocked by the failed attempt.
	if err := r.Register(context.Background(), defFor("ev")); err != nil {
		t.Fatalf("retry Register: %v", err)
	}
	r.StopAll(context.Background())
}

func TestRegistryDetectionRetiresWatch(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: func(int) ([]byte, error) { return offersJSON, nil }}
	store := newFakeStore()
	notif := &fakeNotifier{}
	r := testRegistry(t, Config{}, st, store, notif)

	if err := r.Register(context.Background(), defFor("ev")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, "detection", func() bool { return notif.count() >= 1 })
	waitFor(t, "retirement", func() bool { return len(r.List()) == 0 })
	waitFor(t, "unpersist", func() bool { return !store.has("ev") })

	if got := notif.count(); got != 1 {
		t.Fatalf("notifier called %d times, want 1", got)
	}
}

func TestRegistryKeepAfterHit(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: func(int) ([]byte, error) { return offersJSON, nil }}
	notif := &fakeNotifier{}
	r := testRegistry(t, Config{KeepAfterHit: true}, st, newFakeStore(), notif)
	defer r.StopAll(context.Background())

	if err := r.Register(context.Background(), defFor("ev")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, "detection", func() bool { return notif.count() >= 1 })

	// Let more cycles run; the watch must stay active without repeat alerts.
	st.mu.Lock()
	sess := st.sessions[0]
	st.mu.Unlock()
	start := sess.fetchCount()
	waitFor(t, "more cycles", func() bool { return sess.fetchCount() >= start+3 })

	if got := notif.count(); got != 1 {
		t.Fatalf("notifier called %d times, want 1", got)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("watch retired despite KeepAfterHit: %d entries", got)
	}
}

func TestRegistryRestoreAll(t *testing.T) {
	t.Parallel()
	outOfRange := defFor("slow")
	outOfRange.PollInterval = 600
	store := newFakeStore(defFor("ev1"), defFor("ev2"), outOfRange)

	st := &sessionTracker{body: emptyBody}
	r := testRegistry(t, Config{}, st, store, &fakeNotifier{})
	defer r.StopAll(context.Background())

	r.RestoreAll(context.Background())

	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("restored %d watches, want 3", len(defs))
	}
	for _, d := range defs {
		if d.EventID == "slow" && d.PollInterval != MaxPollInterval {
			t.Fatalf("out-of-range interval not clamped: %d", d.PollInterval)
		}
	}
}

func TestRegistryRestoreAllContinuesPastFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore(defFor("ev1"), defFor("ev2"), defFor("ev3"))
	st := &sessionTracker{body: emptyBody, failFor: 1}
	r := testRegistry(t, Config{}, st, store, &fakeNotifier{})
	defer r.StopAll(context.Background())

	r.RestoreAll(context.Background())

	if got := len(r.List()); got != 2 {
		t.Fatalf("restored %d watches, want 2 (one launch failed)", got)
	}
}

func TestRegistryRestoreAllLoadErrorIsNonFatal(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.loadErr = errors.New("disk gone")
	st := &sessionTracker{body: emptyBody}
	r := testRegistry(t, Config{}, st, store, &fakeNotifier{})

	r.RestoreAll(context.Background())
	if got := len(r.List()); got != 0 {
		t.Fatalf("List has %d entries after failed load", got)
	}
}

func TestRegistryStopAllClosesSessions(t *testing.T) {
	t.Parallel()
	st := &sessionTracker{body: emptyBody}
	r := testRegistry(t, Config{}, st, newFakeStore(), &fakeNotifier{})

	for _, id := range []string{"ev1", "ev2", "ev3"} {
		if err := r.Register(context.Background(), defFor(id)); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.StopAll(ctx)

	if got := len(r.List()); got != 0 {
		t.Fatalf("List has %d entries after StopAll", got)
	}
	waitFor(t, "sessions closed", st.allClosed)
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	st := &sessionTracker{body: emptyBody}
	r := testRegistry(t, Config{Bus: bus}, st, newFakeStore(), &fakeNotifier{})
	defer r.StopAll(context.Background())

	if err := r.Register(context.Background(), defFor("ev")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister(context.Background(), "ev"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	want := []string{eventbus.WatchRegistered, eventbus.WatchUnregistered}
	for _, typ := range want {
		select {
		case e := <-events:
			if e.Type != typ {
				t.Fatalf("event = %s, want %s", e.Type, typ)
			}
			if e.Data != "ev" {
				t.Fatalf("event data = %v, want ev", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
