package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a structured operator alert. Delivery is fire-and-forget.
type Alert struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"` // e.g. "budget", "abtest", "log"
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Text     string            `json:"text,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	// DedupKey overrides the content hash used for suppression.
	DedupKey string    `json:"dedup_key,omitempty"`
	At       time.Time `json:"at"`
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
}

// AlertEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type AlertEvent struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Severity Severity  `json:"severity"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
