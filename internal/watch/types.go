// Package watch implements the resale watch engine: the per-event polling
// loop, its availability decision, and the registry that supervises many
// loops at once and restores them from persisted state after a restart.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyWatching is returned by Register when the event already has
	// an active loop.
	ErrAlreadyWatching = errors.New("already watching this event")
	// ErrNotWatching is returned by Unregister for an unknown event id.
	ErrNotWatching = errors.New("not watching this event")
)

// Poll cadence bounds, in minutes.
const (
	MinPollInterval = 1
	MaxPollInterval = 60
)

// NotifyTarget identifies where and whom to alert: a chat plus the users
// to mention in the alert message.
type NotifyTarget struct {
	ChatID   int64    `json:"chat_id"`
	ThreadID int      `json:"thread_id,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// Definition identifies and configures one watch. It is immutable once a
// loop starts; changing parameters requires stop-then-restart.
type Definition struct {
	EventID string       `json:"event_id"`
	Target  NotifyTarget `json:"target"`
	// PollInterval is the loop cadence in minutes (1..60).
	PollInterval int `json:"poll_interval_minutes"`
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.EventID) == "" {
		return errors.New("event id is required")
	}
	if d.Target.ChatID == 0 {
		return errors.New("notify target chat id is required")
	}
	if d.PollInterval < MinPollInterval || d.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll interval must be %d..%d minutes, got %d", MinPollInterval, MaxPollInterval, d.PollInterval)
	}
	return nil
}

// clampInterval forces the poll interval into bounds. Used on the restore
// path, where a bad persisted record should degrade rather than fail.
func (d Definition) clampInterval() Definition {
	if d.PollInterval < MinPollInterval {
		d.PollInterval = MinPollInterval
	}
	if d.PollInterval > MaxPollInterval {
		d.PollInterval = MaxPollInterval
	}
	return d
}

// Offer is one resale listing snapshot from the target's inventory API.
// Wire contract: { offers: [{ type, price?: { total }, quantities?: [int] }] }.
type Offer struct {
	Kind       string `json:"type"`
	Price      *Price `json:"price,omitempty"`
	Quantities []int  `json:"quantities,omitempty"`
}

// Price carries the total in minor currency units (cents/øre).
type Price struct {
	Total int `json:"total"`
}

type inventoryDoc struct {
	Offers []Offer `json:"offers"`
}

// Report is the detection result emitted at most once per watch.
type Report struct {
	EventID string
	// TotalTickets sums, over all actionable offers, each offer's maximum
	// bundle size.
	TotalTickets int
	OfferCount   int
	// MaxBundleSize is the largest single-offer bundle size.
	MaxBundleSize int
	// CheapestPrice is in major currency units (minor / 100).
	CheapestPrice      float64
	CheapestQuantities []int
}

// Session is the rendering/fetch capability a loop owns for its lifetime.
// Fetch runs inside the active page context so session-scoped cookies and
// credentials apply to the request.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Fetch(ctx context.Context, url string) ([]byte, error)
	Connected() bool
	Close(timeout time.Duration) error
}

// SessionFactory launches a fresh session for one loop.
type SessionFactory func(ctx context.Context) (Session, error)

// Store is the persistence port the registry uses to survive restarts.
type Store interface {
	LoadAll(ctx context.Context) ([]Definition, error)
	Save(ctx context.Context, def Definition) error
	Delete(ctx context.Context, eventID string) error
}

// Notifier forwards a detection report to the outside world. Delivery is
// fire-and-forget from the engine's perspective.
type Notifier interface {
	Notify(ctx context.Context, def Definition, rep Report)
}
