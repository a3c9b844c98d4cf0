package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// HistoryItem records one delivered alert, kept in memory for diagnostics.
type HistoryItem struct {
	At   time.Time
	Text string
}
