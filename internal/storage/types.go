package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//   - "bolt": BoltDB file
//   - "mongo": MongoDB collection at URI
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string
	// BusyTimeout is the sqlite busy timeout, the bolt file lock timeout or
	// the mongo connect timeout. 0 means default.
	BusyTimeout time.Duration

	URI        string // mongo only
	Database   string // mongo only; default "jobsd"
	Collection string // mongo only; default "runs"
	// MaxRows bounds retained history. 0 keeps everything.
	MaxRows int
}

// RunRecord is one finished job run. Keep it compact and schema-stable.
type RunRecord struct {
	JobID       string        `json:"job_id"`
	Name        string        `json:"name"`
	Group       string        `json:"group,omitempty"`
	Priority    string        `json:"priority,omitempty"`
	Severity    string        `json:"severity"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	Rescheduled bool          `json:"rescheduled,omitempty"`
	At          time.Time     `json:"at"`
}

// Query selects run records. Results are newest first.
type Query struct {
	Name     string // empty matches every job
	Severity string // empty matches every severity
	Limit    int    // <= 0 means 100
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(r RunRecord) bool {
	return (q.Name == "" || q.Name == r.Name) && (q.Severity == "" || q.Severity == r.Severity)
}
