package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ticketwatch/internal/watch"
	"ticketwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAll(ctx context.Context) ([]watch.Definition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, chat_id, thread_id, mentions, interval_min FROM watches ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []watch.Definition
	for rows.Next() {
		var (
			def         watch.Definition
			mentionsRaw string
		)
		if err := rows.Scan(&def.EventID, &def.Target.ChatID, &def.Target.ThreadID, &mentionsRaw, &def.PollInterval); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(mentionsRaw), &def.Target.Mentions); err != nil {
			// A mangled mentions column shouldn't lose the whole watch.
			s.log.Warn("bad mentions column, ignoring", logx.String("event", def.EventID), logx.Err(err))
			def.Target.Mentions = nil
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *sqliteStore) Save(ctx context.Context, def watch.Definition) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	mentions, err := json.Marshal(def.Target.Mentions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO watches(event_id, chat_id, thread_id, mentions, interval_min, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(event_id) DO UPDATE SET
		   chat_id=excluded.chat_id, thread_id=excluded.thread_id,
		   mentions=excluded.mentions, interval_min=excluded.interval_min`,
		def.EventID, def.Target.ChatID, def.Target.ThreadID,
		string(mentions), def.PollInterval, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE event_id = ?`, eventID)
	return err
}
