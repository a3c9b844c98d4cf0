package config

import (
	"strings"
	"testing"
	"time"
)

const minimalJSON = `{"telegram":{"token":"123:abc"}}`

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("config.json", []byte(minimalJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Fatalf("Logging.Level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path == "" {
		t.Fatalf("storage defaults missing: %+v", cfg.Storage)
	}
	if !strings.Contains(cfg.Watch.EventURL, "%s") || !strings.Contains(cfg.Watch.InventoryURL, "%s") {
		t.Fatalf("url templates missing: %+v", cfg.Watch)
	}
	if cfg.Watch.DefaultIntervalMinutes != 5 {
		t.Fatalf("DefaultIntervalMinutes = %d, want 5", cfg.Watch.DefaultIntervalMinutes)
	}
	if cfg.Digest.Schedule != "0 9 * * *" {
		t.Fatalf("Digest.Schedule = %q", cfg.Digest.Schedule)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	raw := `
telegram:
  token: "123:abc"
  owner_user_ids: [11, 22]
  poll_timeout: 15s
watch:
  default_interval_minutes: 10
  keep_after_hit: true
storage:
  driver: file
  path: ./data/watches.json
`
	cfg, err := Parse("config.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 22 {
		t.Fatalf("OwnerUserIDs = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Watch.DefaultIntervalMinutes != 10 || !cfg.Watch.KeepAfterHit {
		t.Fatalf("watch section = %+v", cfg.Watch)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("Storage.Driver = %q", cfg.Storage.Driver)
	}
}

func TestParseRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		raw  string
	}{
		{name: "unknown field", path: "c.json", raw: `{"telegram":{"token":"x"},"typo_section":{}}`},
		{name: "trailing data", path: "c.json", raw: minimalJSON + `{"extra":true}`},
		{name: "missing token", path: "c.json", raw: `{"telegram":{}}`},
		{name: "bad poll timeout", path: "c.json", raw: `{"telegram":{"token":"x","poll_timeout":"soon"}}`},
		{name: "interval out of range", path: "c.json", raw: `{"telegram":{"token":"x"},"watch":{"default_interval_minutes":1000}}`},
		{name: "url without slot", path: "c.json", raw: `{"telegram":{"token":"x"},"watch":{"event_url":"https://example.test/static"}}`},
		{name: "url with two slots", path: "c.json", raw: `{"telegram":{"token":"x"},"watch":{"event_url":"https://example.test/%s/%s"}}`},
		{name: "negative notifier", path: "c.json", raw: `{"telegram":{"token":"x"},"notifier":{"workers":-1}}`},
		{name: "broken yaml", path: "c.yaml", raw: "telegram: [unterminated"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(tt.path, []byte(tt.raw)); err == nil {
				t.Fatalf("Parse(%s) succeeded, want error", tt.name)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("f", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("f", "250ms", 0); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("f", "-1s", 0); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationOrDefault("f", "nonsense", 0); err == nil {
		t.Fatal("bad duration accepted")
	}
}
