package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ticketwatch/internal/config"
	kit "ticketwatch/internal/transport"
	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

const helpText = `Commands:
/watch <event-id> [minutes] [@user...] — start watching an event for resale tickets
/unwatch <event-id> — stop watching an event
/watches — list active watches
/help — this message`

// Commands parses incoming Telegram messages and drives the watch registry.
type Commands struct {
	adapter  kit.Adapter
	registry *watch.Registry
	log      logx.Logger

	mu              sync.Mutex
	owners          map[int64]struct{}
	defaultInterval int
}

func NewCommands(adapter kit.Adapter, registry *watch.Registry, cfgm *config.Manager, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{
		adapter:  adapter,
		registry: registry,
		log:      log,
	}
	cfg := cfgm.Get()
	c.SetOwners(cfg.Telegram.OwnerUserIDs)
	c.SetDefaults(cfg.Watch.DefaultIntervalMinutes)
	return c
}

func (c *Commands) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	c.mu.Lock()
	c.owners = m
	c.mu.Unlock()
}

func (c *Commands) SetDefaults(intervalMinutes int) {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	c.mu.Lock()
	c.defaultInterval = intervalMinutes
	c.mu.Unlock()
}

// DispatchLoop consumes incoming messages until ctx is canceled.
func (c *Commands) DispatchLoop(ctx context.Context, in <-chan kit.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Commands) handle(ctx context.Context, msg kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	fields := strings.Fields(text)
	cmd := fields[0]
	// Group chats address commands as /watch@botname.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	if !c.allowed(msg.FromID) {
		c.log.Debug("command from non-owner ignored",
			logx.Int64("user_id", msg.FromID),
			logx.String("cmd", cmd))
		return
	}

	switch cmd {
	case "/watch":
		c.handleWatch(ctx, msg, args)
	case "/unwatch":
		c.handleUnwatch(ctx, msg, args)
	case "/watches":
		c.handleWatches(ctx, msg)
	case "/help", "/start":
		c.reply(ctx, msg, helpText)
	default:
		// Unknown commands stay silent; the bot may share a group chat.
	}
}

func (c *Commands) allowed(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.owners) == 0 {
		return true
	}
	_, ok := c.owners[userID]
	return ok
}

func (c *Commands) handleWatch(ctx context.Context, msg kit.Message, args []string) {
	if len(args) == 0 {
		c.reply(ctx, msg, "Usage: /watch <event-id> [minutes] [@user...]")
		return
	}
	eventID := args[0]

	c.mu.Lock()
	interval := c.defaultInterval
	c.mu.Unlock()

	var mentions []string
	for _, a := range args[1:] {
		if strings.HasPrefix(a, "@") {
			mentions = append(mentions, a)
			continue
		}
		n, err := strconv.Atoi(a)
		if err != nil {
			c.reply(ctx, msg, fmt.Sprintf("Unrecognized argument %q. Usage: /watch <event-id> [minutes] [@user...]", a))
			return
		}
		interval = n
	}

	def := watch.Definition{
		EventID: eventID,
		Target: watch.NotifyTarget{
			ChatID:   msg.ChatID,
			ThreadID: msg.ThreadID,
			Mentions: mentions,
		},
		PollInterval: interval,
	}

	err := c.registry.Register(ctx, def)
	switch {
	case err == nil:
		c.reply(ctx, msg, fmt.Sprintf("Watching %s every %d min. I'll ping this chat when resale tickets appear.", eventID, interval))
	case errors.Is(err, watch.ErrAlreadyWatching):
		c.reply(ctx, msg, fmt.Sprintf("Already watching %s. /unwatch it first to change settings.", eventID))
	default:
		c.log.Warn("watch registration failed", logx.String("event_id", eventID), logx.Err(err))
		c.reply(ctx, msg, "Could not start the watch: "+err.Error())
	}
}

func (c *Commands) handleUnwatch(ctx context.Context, msg kit.Message, args []string) {
	if len(args) == 0 {
		c.reply(ctx, msg, "Usage: /unwatch <event-id>")
		return
	}
	eventID := args[0]

	err := c.registry.Unregister(ctx, eventID)
	switch {
	case err == nil:
		c.reply(ctx, msg, fmt.Sprintf("Stopped watching %s.", eventID))
	case errors.Is(err, watch.ErrNotWatching):
		c.reply(ctx, msg, fmt.Sprintf("Not watching %s.", eventID))
	default:
		c.log.Warn("unwatch failed", logx.String("event_id", eventID), logx.Err(err))
		c.reply(ctx, msg, "Could not stop the watch: "+err.Error())
	}
}

func (c *Commands) handleWatches(ctx context.Context, msg kit.Message) {
	defs := c.registry.List()
	if len(defs) == 0 {
		c.reply(ctx, msg, "No active watches. Start one with /watch <event-id>.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active watches (%d):\n", len(defs))
	for _, d := range defs {
		fmt.Fprintf(&b, "• %s — every %d min", d.EventID, d.PollInterval)
		if len(d.Target.Mentions) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(d.Target.Mentions, " "))
		}
		b.WriteString("\n")
	}
	c.reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
}

func (c *Commands) reply(ctx context.Context, msg kit.Message, text string) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := c.adapter.SendText(sctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
