// Package config holds the typed bot configuration and its strict loader.
// JSON is the canonical format; YAML files are accepted by coercing to JSON
// first so both go through the same DisallowUnknownFields decoder.
package config

import (
	"fmt"
	"strings"
	"time"

	"ticketwatch/internal/watch"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Browser  BrowserConfig  `json:"browser"`
	Watch    WatchConfig    `json:"watch"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Digest   DigestConfig   `json:"digest,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat that receives digest and operational messages.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the watch persistence driver.
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type BrowserConfig struct {
	Headless  bool   `json:"headless"`
	UserAgent string `json:"user_agent,omitempty"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	ExecPath  string `json:"exec_path,omitempty"`
}

// WatchConfig tunes the watch engine. The URL fields are fmt templates with
// one %s slot for the event id.
type WatchConfig struct {
	EventURL     string `json:"event_url"`
	InventoryURL string `json:"inventory_url"`
	// DefaultIntervalMinutes is used when /watch is issued without a cadence.
	DefaultIntervalMinutes int `json:"default_interval_minutes,omitempty"`
	// KeepAfterHit keeps polling after the first alert (repeat alerts stay
	// suppressed). Default false: the watch retires once it fires.
	KeepAfterHit bool `json:"keep_after_hit,omitempty"`
}

// NotifierConfig tunes alert delivery. Zero values fall back to built-in
// defaults (2 workers, 3 msg/s, 2 retries).
type NotifierConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

// PprofConfig controls the optional profiling listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; default "0 9 * * *".
	Schedule string `json:"schedule,omitempty"`
}

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "INFO"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" && !strings.EqualFold(c.Storage.Driver, "none") {
		c.Storage.Path = "./data/ticketwatch.db"
	}
	if strings.TrimSpace(c.Watch.EventURL) == "" {
		c.Watch.EventURL = "https://www.ticketmaster.dk/event/%s"
	}
	if strings.TrimSpace(c.Watch.InventoryURL) == "" {
		c.Watch.InventoryURL = "https://availability.ticketmaster.dk/api/v2/resale/%s"
	}
	if c.Watch.DefaultIntervalMinutes <= 0 {
		c.Watch.DefaultIntervalMinutes = 5
	}
	if strings.TrimSpace(c.Digest.Schedule) == "" {
		c.Digest.Schedule = "0 9 * * *"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if _, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if err := urlTemplate("watch.event_url", c.Watch.EventURL); err != nil {
		return err
	}
	if err := urlTemplate("watch.inventory_url", c.Watch.InventoryURL); err != nil {
		return err
	}
	if c.Notifier.Workers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 || c.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier settings must not be negative")
	}
	d := c.Watch.DefaultIntervalMinutes
	if d < watch.MinPollInterval || d > watch.MaxPollInterval {
		return fmt.Errorf("watch.default_interval_minutes must be %d..%d, got %d",
			watch.MinPollInterval, watch.MaxPollInterval, d)
	}
	return nil
}

func urlTemplate(field, v string) error {
	if strings.Count(v, "%s") != 1 {
		return fmt.Errorf("%s must contain exactly one %%s slot for the event id", field)
	}
	return nil
}

// ParseDurationOrDefault parses a Go duration string, treating empty as def.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}
