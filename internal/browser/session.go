// Package browser provides the rendering/fetch session used to reach the
// target site: a headless Chrome tab with a fixed locale, timezone and user
// agent, so the site serves the same market the users buy from.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/inspector"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

type Config struct {
	Headless  bool
	UserAgent string
	Locale    string
	Timezone  string
	// ExecPath overrides the Chrome binary location. Empty means lookup.
	ExecPath string
	// LaunchTimeout bounds the initial browser start. Zero means 30s.
	LaunchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if c.Locale == "" {
		c.Locale = "da-DK"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Copenhagen"
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	return c
}

// NewFactory returns a watch.SessionFactory launching one browser per loop.
func NewFactory(cfg Config, log logx.Logger) watch.SessionFactory {
	return func(ctx context.Context) (watch.Session, error) {
		return Launch(ctx, cfg, log)
	}
}

// Session is one headless browser tab. It satisfies watch.Session.
type Session struct {
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	log         logx.Logger

	lost      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Launch starts the browser and opens its tab. The parent context bounds the
// launch only; the session itself lives until Close.
func Launch(parent context.Context, cfg Config, log logx.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.Flag("lang", cfg.Locale),
		chromedp.Env("TZ="+cfg.Timezone),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// The session outlives the registering call, so the allocator hangs off
	// Background rather than the parent.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		log:         log,
	}

	// Surface launch failures here instead of on the first navigation.
	launchCtx, cancel := context.WithTimeout(tabCtx, cfg.LaunchTimeout)
	err := chromedp.Run(launchCtx)
	cancel()
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	if parent.Err() != nil {
		_ = s.Close(time.Second)
		return nil, parent.Err()
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventDetached); ok {
			s.lost.Store(true)
		}
	})

	log.Debug("browser session launched", logx.String("locale", cfg.Locale), logx.String("tz", cfg.Timezone))
	return s, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Fetch issues an in-page fetch for url, so the session's cookies and
// anti-bot tokens ride along. A non-2xx status is reported as an error.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	script := fmt.Sprintf(
		`fetch(%q, {headers: {accept: "application/json"}, credentials: "include"}).then((r) => {
			if (!r.ok) { throw new Error("unexpected status " + r.status); }
			return r.text();
		})`, url)

	var body string
	err := s.run(ctx, chromedp.Evaluate(script, &body,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *Session) Connected() bool {
	return s.ctx.Err() == nil && !s.lost.Load()
}

// Close tears the browser down, waiting at most timeout before abandoning
// the graceful path and cancelling outright.
func (s *Session) Close(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		done := make(chan struct{})
		go func() {
			_ = chromedp.Cancel(s.ctx)
			s.tabCancel()
			s.allocCancel()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.tabCancel()
			s.allocCancel()
			s.closeErr = fmt.Errorf("browser close timed out after %s", timeout)
		}
	})
	return s.closeErr
}

// run executes actions on the tab, honoring the caller's cancellation and
// deadline without tearing down the tab itself.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(s.ctx, dl)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && s.ctx.Err() != nil {
		s.lost.Store(true)
	}
	return err
}
