package watch

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"slotgate/internal/eventbus"
	"slotgate/internal/runtime/supervisor"
	logx "slotgate/pkg/logx"
)

// defaultMaxEventsPerSec applies when a rule's max_events_per_sec is 0.
// -1 disables limiting entirely.
const defaultMaxEventsPerSec = 20

// PulseFunc delivers one trigger to the engine. The source string records
// what fired ("watch:<path>"); drops and supersedes inside the engine are
// not errors.
type PulseFunc func(rule, source string) error

// Rule is the watcher-facing slice of a rule's configuration.
type Rule struct {
	Name      string
	Paths     []string
	Recursive bool
	Patterns  []string
	Ignore    []string

	// MaxEventsPerSec caps events fed into the rule's slot.
	// 0 applies defaultMaxEventsPerSec, -1 disables the limiter.
	MaxEventsPerSec int
}

// matches reports whether an event basename passes the rule's glob filters.
// Ignore wins over Patterns; an empty Patterns list matches everything.
func (r Rule) matches(base string) bool {
	for _, g := range r.Ignore {
		if ok, _ := path.Match(g, base); ok {
			return false
		}
	}
	if len(r.Patterns) == 0 {
		return true
	}
	for _, g := range r.Patterns {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}
	return false
}

// DropEvent is published as eventbus.TypeRuleDrop when the per-rule limiter
// rejects filesystem events. Dropped counts rejections since the previous
// report; reports are throttled so an event storm cannot relay itself onto
// the bus.
type DropEvent struct {
	Rule    string `json:"rule"`
	Source  string `json:"source"`
	Dropped uint64 `json:"dropped"`
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	pulse PulseFunc

	rules []Rule // desired set, applied on Start

	started  bool
	sup      *supervisor.Supervisor
	watchers map[string]*ruleWatcher
}

// ruleWatcher is the live state of one rule's watcher goroutine.
type ruleWatcher struct {
	rule    Rule
	cancel  context.CancelFunc
	limiter *rate.Limiter // nil when unlimited

	events    atomic.Uint64 // events surviving the op filter
	pulses    atomic.Uint64
	drops     atomic.Uint64
	dirs      atomic.Int64 // paths currently registered with fsnotify
	lastEvent atomic.Int64 // unix nanos

	// Throttle state for drop reports and pulse failure warns.
	tmu           sync.Mutex
	dropPending   uint64
	lastDropAt    time.Time
	lastPulseWarn time.Time
}

func newRuleWatcher(r Rule, cancel context.CancelFunc) *ruleWatcher {
	return &ruleWatcher{rule: r, cancel: cancel, limiter: newLimiter(r.MaxEventsPerSec)}
}

func newLimiter(perSec int) *rate.Limiter {
	switch {
	case perSec < 0:
		return nil
	case perSec == 0:
		perSec = defaultMaxEventsPerSec
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// RuleStats is a point-in-time view of one rule's watcher.
type RuleStats struct {
	Rule      string    `json:"rule"`
	Paths     []string  `json:"paths"`
	Dirs      int       `json:"dirs"`
	Events    uint64    `json:"events"`
	Pulses    uint64    `json:"pulses"`
	Drops     uint64    `json:"drops"`
	LastEvent time.Time `json:"last_event"`
}
