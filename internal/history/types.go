package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures run persistence.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
	PruneAfter  time.Duration // 0 means keep forever
}

// Entry records one finished run.
// Keep it compact and schema-stable.
type Entry struct {
	ID       int64
	Rule     string
	Source   string // what pulsed the rule: "watch:<path>", "cron:<spec>", ...
	Started  time.Time
	Duration time.Duration
	ExitCode int
	OK       bool
	Error    string
	Output   string // combined output tail
}
