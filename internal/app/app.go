// Package app wires configuration, logging, transport, storage, the watch
// registry, and the digest into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketwatch/internal/browser"
	"ticketwatch/internal/config"
	"ticketwatch/internal/eventbus"
	"ticketwatch/internal/notifier"
	"ticketwatch/internal/observability/pprof"
	rtsup "ticketwatch/internal/runtime/supervisor"
	"ticketwatch/internal/storage"
	kit "ticketwatch/internal/transport"
	"ticketwatch/internal/transport/telegram"
	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	adapter  kit.Adapter
	sessions watch.SessionFactory
	notif    *notifier.Service
	registry *watch.Registry
	digest   *Digest
	cmds     *Commands
	profiler *pprof.Service

	updates chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	sessions := browser.NewFactory(browser.Config{
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
		Locale:    cfg.Browser.Locale,
		Timezone:  cfg.Browser.Timezone,
		ExecPath:  cfg.Browser.ExecPath,
	}, log.With(logx.String("comp", "browser")))

	notif := notifier.New(notifier.Config{
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
	}, ad, cfg.Watch.EventURL, log.With(logx.String("comp", "notifier")))

	profiler := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
	}, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		profiler: profiler,
		adapter:  ad,
		sessions: sessions,
		notif:    notif,
		updates:  make(chan kit.Message, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// The registry hands its per-watch loops to the app supervisor, so a
	// panicking loop surfaces instead of dying silently.
	var storeAsWatch watch.Store
	if a.store != nil {
		storeAsWatch = a.store
	}
	a.registry = watch.NewRegistry(watch.Config{
		EventURL:     cfg.Watch.EventURL,
		InventoryURL: cfg.Watch.InventoryURL,
		KeepAfterHit: cfg.Watch.KeepAfterHit,
		Bus:          a.bus,
	}, a.sessions, a.notif, storeAsWatch, a.sup, a.log.With(logx.String("comp", "watch")))

	a.cmds = NewCommands(a.adapter, a.registry, a.cfgm, a.log.With(logx.String("comp", "commands")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())

	// Bring persisted watches back before accepting commands, so /watches
	// reflects restored state from the first interaction on.
	restoreCtx, cancel := context.WithTimeout(a.sup.Context(), 2*time.Minute)
	a.registry.RestoreAll(restoreCtx)
	cancel()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	if a.profiler.Enabled() {
		a.profiler.Start(a.sup.Context())
	}

	// Watch lifecycle events are debug-logged centrally so the engine itself
	// stays free of cross-cutting observers.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if cfg.Digest.Enabled {
		d, err := NewDigest(cfg.Digest.Schedule, a.registry, a.notif, digestTarget(cfg), a.log.With(logx.String("comp", "digest")))
		if err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		a.digest = d
		a.digest.Start()
	}

	// Hot reload: logging and command-surface settings apply live; engine
	// settings (URLs, storage) need a restart and are logged as such.
	a.cfgm.OnChange(func(newCfg *config.Config) {
		a.logs.Apply(logx.Config{
			Level:   newCfg.Logging.Level,
			Console: newCfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: newCfg.Logging.File.Enabled,
				Path:    newCfg.Logging.File.Path,
			},
		})
		a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)
		a.cmds.SetDefaults(newCfg.Watch.DefaultIntervalMinutes)
		a.notif.Apply(notifier.Config{
			Workers:    newCfg.Notifier.Workers,
			QueueSize:  newCfg.Notifier.QueueSize,
			RatePerSec: newCfg.Notifier.RatePerSec,
			RetryMax:   newCfg.Notifier.RetryMax,
		})
		if newCfg.Watch.EventURL != cfg.Watch.EventURL ||
			newCfg.Watch.InventoryURL != cfg.Watch.InventoryURL ||
			newCfg.Storage != cfg.Storage {
			a.log.Warn("watch/storage config changed; restart required for changes to take effect")
		}
		a.log.Info("config reloaded")
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("restored_watches", len(a.registry.List())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("digest", 1*time.Second, func(c context.Context) error {
		if a.digest != nil {
			a.digest.Stop(c)
		}
		return nil
	})
	step("watches", 10*time.Second, func(c context.Context) error {
		if a.registry != nil {
			a.registry.StopAll(c)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.profiler.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// digestTarget resolves the digest chat from telegram.group_log; zero target
// disables delivery.
func digestTarget(cfg *config.Config) kit.ChatTarget {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return kit.ChatTarget{}
	}
	return kit.ChatTarget{ChatID: chatID}
}
