package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend: a single JSON snapshot
// keyed by event id, rewritten atomically (tmp + rename) on every change.
// Watch counts are small, so full rewrites are fine.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	watches map[string]watch.Definition
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, watches: map[string]watch.Definition{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var m map[string]watch.Definition
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		s.watches[k] = v
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadAll(ctx context.Context) ([]watch.Definition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]watch.Definition, 0, len(s.watches))
	for _, d := range s.watches {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].EventID < defs[j].EventID })
	return defs, nil
}

func (s *fileStore) Save(ctx context.Context, def watch.Definition) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches[def.EventID] = def
	return s.flushLocked()
}

func (s *fileStore) Delete(ctx context.Context, eventID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[eventID]; !ok {
		return nil
	}
	delete(s.watches, eventID)
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.watches); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
