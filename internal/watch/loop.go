package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"ticketwatch/pkg/logx"
)

// Options tunes one loop. Zero fields fall back to production defaults;
// tests shrink the intervals to keep runs fast.
type Options struct {
	// PageURL is the event's canonical page, navigated every cycle so the
	// site sets up session state before the inventory fetch.
	PageURL string
	// InventoryURL is the resale-inventory resource fetched from within the
	// page context.
	InventoryURL string

	// Interval overrides the Definition's poll interval. Leave zero to use
	// PollInterval minutes.
	Interval time.Duration

	NavTimeout      time.Duration
	FetchTimeout    time.Duration
	SettleDelay     time.Duration
	TeardownTimeout time.Duration
}

func (o Options) withDefaults(def Definition) Options {
	if o.Interval <= 0 {
		o.Interval = time.Duration(def.PollInterval) * time.Minute
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 15 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 3 * time.Second
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = 5 * time.Second
	}
	return o
}

// fetchResult is the tagged outcome of one inventory fetch, so the decision
// path never has to reason about nil data.
type fetchOutcome int

const (
	fetchOK fetchOutcome = iota
	fetchEmpty
	fetchFailed
)

type fetchResult struct {
	outcome fetchOutcome
	offers  []Offer
	err     error
}

// Loop owns one browser session for one event: it repeatedly navigates,
// fetches resale-offer data, and evaluates it, invoking the detection
// callback at most once. Errors inside a cycle never leak to other watches;
// the loop retries at the next scheduled tick.
type Loop struct {
	def      Definition
	sessions SessionFactory
	notify   func(Report)
	log      logx.Logger
	opts     Options

	sess Session

	mu       sync.Mutex
	running  bool
	notified bool

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop builds a loop bound to a detection callback. The callback runs on
// the loop goroutine; it must not call Stop synchronously.
func NewLoop(def Definition, sessions SessionFactory, notify func(Report), log logx.Logger, opts Options) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		def:      def,
		sessions: sessions,
		notify:   notify,
		log:      log.With(logx.String("event", def.EventID)),
		opts:     opts.withDefaults(def),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Init acquires the loop's session. It is the only part of startup that may
// block the caller.
func (l *Loop) Init(ctx context.Context) error {
	sess, err := l.sessions(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sess = sess
	l.running = true
	l.mu.Unlock()
	return nil
}

// Start is Init plus a self-spawned Run, for callers without a supervisor.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	go l.Run(ctx)
	return nil
}

// Run iterates until Stop is called, the context is canceled, or the session
// reports itself disconnected. It must run on its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	defer close(l.doneCh)
	defer l.teardown()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		l.cycle(ctx)

		if !l.sess.Connected() {
			// A dead session would make every future cycle fail; stop
			// instead of spinning.
			l.log.Warn("session disconnected, stopping watch loop")
			return
		}

		if !l.sleep(ctx, l.opts.Interval) {
			return
		}
	}
}

// Stop is idempotent and bounded: it signals the loop, tears the session
// down with the teardown timeout, and waits at most that long for the run
// goroutine to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	l.running = false
	sess := l.sess
	l.mu.Unlock()

	if sess != nil {
		if err := sess.Close(l.opts.TeardownTimeout); err != nil {
			l.log.Warn("session teardown failed", logx.Err(err))
		}
	}

	if !l.started.Load() {
		return
	}
	select {
	case <-l.doneCh:
	case <-time.After(l.opts.TeardownTimeout):
		l.log.Warn("watch loop did not exit within teardown timeout")
	}
}

// Running reports whether the loop is armed and iterating.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Notified reports whether the terminal detection has already fired.
func (l *Loop) Notified() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notified
}

func (l *Loop) Definition() Definition { return l.def }

func (l *Loop) teardown() {
	l.mu.Lock()
	l.running = false
	sess := l.sess
	l.mu.Unlock()
	if sess != nil {
		_ = sess.Close(l.opts.TeardownTimeout)
	}
}

// cycle runs one poll iteration. Navigation and fetch failures are
// recoverable-transient: logged, and retried at the next tick.
func (l *Loop) cycle(ctx context.Context) {
	navCtx, cancel := context.WithTimeout(ctx, l.opts.NavTimeout)
	err := l.sess.Navigate(navCtx, l.opts.PageURL)
	cancel()
	if err != nil {
		l.log.Warn("navigation failed", logx.Err(err))
		return
	}

	// Inventory is populated asynchronously after page load; give the page
	// a moment before fetching.
	if !l.sleep(ctx, l.opts.SettleDelay) {
		return
	}

	res := l.fetch(ctx)
	switch res.outcome {
	case fetchFailed:
		l.log.Debug("inventory fetch failed", logx.Err(res.err))
	case fetchEmpty:
		l.log.Trace("no offers this cycle")
	case fetchOK:
		l.evaluate(res.offers)
	}
}

func (l *Loop) fetch(ctx context.Context) fetchResult {
	fctx, cancel := context.WithTimeout(ctx, l.opts.FetchTimeout)
	defer cancel()

	body, err := l.sess.Fetch(fctx, l.opts.InventoryURL)
	if err != nil {
		return fetchResult{outcome: fetchFailed, err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fetchResult{outcome: fetchEmpty}
	}
	var doc inventoryDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fetchResult{outcome: fetchFailed, err: err}
	}
	if len(doc.Offers) == 0 {
		return fetchResult{outcome: fetchEmpty}
	}
	return fetchResult{outcome: fetchOK, offers: doc.Offers}
}

// evaluate runs the availability decision and fires the callback on the
// first detection. The notified flag is what makes the callback at-most-once
// for the lifetime of this loop.
func (l *Loop) evaluate(offers []Offer) {
	rep, ok := decide(l.def.EventID, offers)
	if !ok {
		return
	}

	l.mu.Lock()
	if l.notified {
		l.mu.Unlock()
		return
	}
	l.notified = true
	l.mu.Unlock()

	l.log.Info("resale inventory detected",
		logx.Int("tickets", rep.TotalTickets),
		logx.Int("offers", rep.OfferCount),
		logx.Float64("cheapest", rep.CheapestPrice),
	)
	if l.notify != nil {
		l.notify(rep)
	}
}

// sleep waits for d, returning false if the loop should exit instead.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
