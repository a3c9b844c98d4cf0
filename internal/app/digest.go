package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ticketwatch/internal/notifier"
	kit "ticketwatch/internal/transport"
	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

// Digest posts a periodic summary of active watches and recent alerts to the
// operations chat.
type Digest struct {
	cron     *cron.Cron
	registry *watch.Registry
	notif    *notifier.Service
	target   kit.ChatTarget
	log      logx.Logger
}

func NewDigest(schedule string, registry *watch.Registry, notif *notifier.Service, target kit.ChatTarget, log logx.Logger) (*Digest, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Digest{
		cron:     cron.New(),
		registry: registry,
		notif:    notif,
		target:   target,
		log:      log,
	}
	if _, err := d.cron.AddFunc(schedule, d.run); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return d, nil
}

func (d *Digest) Start() {
	if d.target.ChatID == 0 {
		d.log.Warn("digest enabled but telegram.group_log is not set; digest will not be delivered")
		return
	}
	d.cron.Start()
	d.log.Info("digest scheduled")
}

func (d *Digest) Stop(ctx context.Context) {
	stopped := d.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

func (d *Digest) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := d.compose(time.Now())
	if err := d.notif.Announce(ctx, d.target, text); err != nil {
		d.log.Warn("digest not queued", logx.Err(err))
	}
}

func (d *Digest) compose(now time.Time) string {
	defs := d.registry.List()

	var b strings.Builder
	b.WriteString("📋 Watch digest\n")

	if len(defs) == 0 {
		b.WriteString("No active watches.\n")
	} else {
		fmt.Fprintf(&b, "Active watches (%d):\n", len(defs))
		for _, def := range defs {
			fmt.Fprintf(&b, "• %s — every %d min\n", def.EventID, def.PollInterval)
		}
	}

	// Alerts delivered in the last 24h.
	cutoff := now.Add(-24 * time.Hour)
	recent := 0
	for _, h := range d.notif.History() {
		if h.At.After(cutoff) {
			recent++
		}
	}
	fmt.Fprintf(&b, "Alerts in the last 24h: %d", recent)

	return b.String()
}
