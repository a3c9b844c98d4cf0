package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ticketwatch/internal/eventbus"
	"ticketwatch/internal/runtime/supervisor"
	"ticketwatch/pkg/logx"
)

// notifyTimeout bounds the forward of one detection report.
const notifyTimeout = 30 * time.Second

// Config controls the registry and the loops it creates.
type Config struct {
	// EventURL and InventoryURL are fmt templates with one %s slot for the
	// event id.
	EventURL     string
	InventoryURL string

	// KeepAfterHit keeps a loop polling after its first detection instead of
	// retiring the watch. Repeat notifications stay suppressed either way;
	// the default (false) retires the watch once the alert is forwarded.
	KeepAfterHit bool

	// Loop carries per-loop tuning shared by all watches.
	Loop Options

	// Bus, when set, receives watch lifecycle events.
	Bus eventbus.Bus
}

type entry struct {
	def  Definition
	loop *Loop // nil while the session is still launching
}

// Registry is the process-wide mapping from event id to active loop. It owns
// start/stop/list, idempotent registration, and restoration from persisted
// state at startup. The registry exclusively owns the loop collection; loops
// never migrate between entries.
type Registry struct {
	cfg      Config
	log      logx.Logger
	store    Store
	notifier Notifier
	sessions SessionFactory
	sup      *supervisor.Supervisor

	mu      sync.Mutex
	watches map[string]*entry
}

func NewRegistry(cfg Config, sessions SessionFactory, notifier Notifier, store Store, sup *supervisor.Supervisor, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		store:    store,
		notifier: notifier,
		sessions: sessions,
		sup:      sup,
		watches:  map[string]*entry{},
	}
}

// Register starts a watch for def and persists it. Fails with
// ErrAlreadyWatching when the event already has an active loop. Safe to call
// concurrently for distinct event ids; session launch happens outside the
// registry lock.
func (r *Registry) Register(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := r.startWatch(ctx, def); err != nil {
		return err
	}
	r.persist(ctx, def)
	r.publish(eventbus.WatchRegistered, def.EventID)
	return nil
}

// Unregister initiates the loop's stop and removes the mapping immediately,
// so a follow-up Register for the same id is not blocked by slow teardown.
// Fails with ErrNotWatching for unknown ids.
func (r *Registry) Unregister(ctx context.Context, eventID string) error {
	r.mu.Lock()
	e, ok := r.watches[eventID]
	if !ok {
		r.mu.Unlock()
		return ErrNotWatching
	}
	delete(r.watches, eventID)
	r.mu.Unlock()

	if e.loop != nil {
		go e.loop.Stop()
	}
	r.unpersist(ctx, eventID)
	r.publish(eventbus.WatchUnregistered, eventID)
	return nil
}

// List returns a snapshot of current watch definitions, sorted by event id.
func (r *Registry) List() []Definition {
	r.mu.Lock()
	defs := make([]Definition, 0, len(r.watches))
	for _, e := range r.watches {
		defs = append(defs, e.def)
	}
	r.mu.Unlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].EventID < defs[j].EventID })
	return defs
}

// RestoreAll loads persisted definitions and starts a loop for each, logging
// and continuing past individual failures. Restored watches are not
// re-persisted and bypass the already-watching error (a duplicate record
// is skipped silently).
func (r *Registry) RestoreAll(ctx context.Context) {
	if r.store == nil {
		return
	}
	defs, err := r.store.LoadAll(ctx)
	if err != nil {
		r.log.Error("loading persisted watches failed", logx.Err(err))
		return
	}
	restored := 0
	for _, def := range defs {
		def = def.clampInterval()
		if err := r.startWatch(ctx, def); err != nil {
			if err == ErrAlreadyWatching {
				continue
			}
			r.log.Warn("restoring watch failed",
				logx.String("event", def.EventID), logx.Err(err))
			continue
		}
		restored++
	}
	if len(defs) > 0 {
		r.log.Info("watches restored", logx.Int("restored", restored), logx.Int("persisted", len(defs)))
	}
}

// StopAll stops every active loop. Used at shutdown; bounded by the per-loop
// teardown timeout.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.watches))
	for _, e := range r.watches {
		entries = append(entries, e)
	}
	r.watches = map[string]*entry{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.loop == nil {
			continue
		}
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Stop()
		}(e.loop)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("watch teardown cut short", logx.Err(ctx.Err()))
	}
}

// startWatch reserves the event id, launches the loop's session outside the
// lock, then arms the loop under the supervisor.
func (r *Registry) startWatch(ctx context.Context, def Definition) error {
	r.mu.Lock()
	if _, ok := r.watches[def.EventID]; ok {
		r.mu.Unlock()
		return ErrAlreadyWatching
	}
	e := &entry{def: def}
	r.watches[def.EventID] = e
	r.mu.Unlock()

	loop := NewLoop(def, r.sessions, r.onDetection(def), r.log, r.loopOptions(def))
	if err := loop.Init(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.watches[def.EventID]; ok && cur == e {
			delete(r.watches, def.EventID)
		}
		r.mu.Unlock()
		return fmt.Errorf("launching session for %s: %w", def.EventID, err)
	}

	r.mu.Lock()
	cur, ok := r.watches[def.EventID]
	if !ok || cur != e {
		// Unregistered while the session was launching.
		r.mu.Unlock()
		go loop.Stop()
		return nil
	}
	e.loop = loop
	r.mu.Unlock()

	r.sup.Go0("watch."+def.EventID, loop.Run)
	r.log.Info("watch started",
		logx.String("event", def.EventID),
		logx.Int("interval_min", def.PollInterval),
		logx.Int64("chat", def.Target.ChatID),
	)
	return nil
}

// onDetection builds the notification adapter for one watch: forward the
// report, then treat the watch as complete unless configured to keep polling.
// The returned func runs on the loop goroutine, so retirement stops the loop
// asynchronously.
func (r *Registry) onDetection(def Definition) func(Report) {
	return func(rep Report) {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		r.notifier.Notify(ctx, def, rep)
		r.publish(eventbus.WatchDetected, def.EventID)

		if r.cfg.KeepAfterHit {
			return
		}
		r.retire(def.EventID)
	}
}

// retire removes a watch after its terminal notification: the one path
// besides explicit Unregister that ends a watch.
func (r *Registry) retire(eventID string) {
	r.mu.Lock()
	e, ok := r.watches[eventID]
	if ok {
		delete(r.watches, eventID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if e.loop != nil {
		go e.loop.Stop()
	}
	r.unpersist(context.Background(), eventID)
	r.publish(eventbus.WatchRetired, eventID)
	r.log.Info("watch completed", logx.String("event", eventID))
}

func (r *Registry) publish(typ, eventID string) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(eventbus.Event{Type: typ, Data: eventID})
}

func (r *Registry) loopOptions(def Definition) Options {
	opts := r.cfg.Loop
	opts.PageURL = fmt.Sprintf(r.cfg.EventURL, def.EventID)
	opts.InventoryURL = fmt.Sprintf(r.cfg.InventoryURL, def.EventID)
	return opts
}

// persist/unpersist swallow store errors: the in-memory watch stays
// authoritative for the running process even when durability fails.
func (r *Registry) persist(ctx context.Context, def Definition) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, def); err != nil {
		r.log.Error("persisting watch failed", logx.String("event", def.EventID), logx.Err(err))
	}
}

func (r *Registry) unpersist(ctx context.Context, eventID string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, eventID); err != nil {
		r.log.Error("deleting persisted watch failed", logx.String("event", eventID), logx.Err(err))
	}
}
