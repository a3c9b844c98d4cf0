package storage

import (
	"context"
	"errors"
	"time"

	"ticketwatch/internal/watch"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free JSON snapshot
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the watch registry. It widens
// watch.Store with lifecycle management.
type Store interface {
	LoadAll(ctx context.Context) ([]watch.Definition, error)
	Save(ctx context.Context, def watch.Definition) error
	Delete(ctx context.Context, eventID string) error
	Close() error
}
