package notify

import (
	"strings"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled bool
	// MinSeverity is the lowest job severity that notifies: "warning" or
	// "error" (default).
	MinSeverity string
	// LogAlerts also forwards "log.alert" events.
	LogAlerts bool

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is the payload of "log.alert" events.
type Alert struct {
	Level string `json:"level"`
	Line  string `json:"line"`
}

// Notification is one message for operators.
type Notification struct {
	Kind     string        `json:"kind"` // "job" or "log"
	Job      string        `json:"job,omitempty"`
	Group    string        `json:"group,omitempty"`
	Severity string        `json:"severity"`
	Text     string        `json:"text"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event is emitted on the bus for pipeline lifecycle ("notify.sent",
// "notify.deduped", "notify.dropped", "notify.failed").
type Event struct {
	Kind  string    `json:"kind"`
	Job   string    `json:"job,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// severityRank orders job severities; unknown values rank lowest.
func severityRank(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return 1
	case "warning":
		return 2
	case "error":
		return 3
	}
	return 0
}

// ValidSeverity reports whether s is accepted as MinSeverity.
func ValidSeverity(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "" || s == "warning" || s == "error"
}
