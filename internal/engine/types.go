package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"slotgate/internal/eventbus"
	"slotgate/internal/history"
	"slotgate/internal/runtime/supervisor"
	"slotgate/pkg/gate"
	logx "slotgate/pkg/logx"
)

const (
	defaultHistorySize = 200

	// historyTailLimit bounds command output kept per history entry;
	// eventTailLimit bounds output carried on run.failed bus events.
	historyTailLimit = 4 << 10
	eventTailLimit   = 2 << 10
)

var (
	// ErrStopped is returned by Pulse when the engine is not running.
	ErrStopped = errors.New("engine stopped")
	// ErrUnknownRule is returned by Pulse for a rule no binding covers.
	ErrUnknownRule = errors.New("unknown rule")
)

// Config carries engine-level settings. Zero values pick defaults.
type Config struct {
	// HistorySize bounds the in-memory run history (default 200).
	HistorySize int
	// StatusInterval spaces periodic status log lines; 0 disables them.
	StatusInterval time.Duration
}

// Rule is one executable binding: a slot name plus the command and
// gating parameters resolved from configuration.
type Rule struct {
	Name    string
	Mode    gate.Mode
	Period  time.Duration
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// RunEvent is the payload for rule.pulse, run.started, run.finished,
// run.aborted and run.failed bus events.
type RunEvent struct {
	Rule     string        `json:"rule"`
	Source   string        `json:"source"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// RuleStatus is one rule's merged view: engine counters plus the gate
// slot state.
type RuleStatus struct {
	Rule   string        `json:"rule"`
	Mode   string        `json:"mode"`
	Period time.Duration `json:"period"`

	Pulses uint64 `json:"pulses"`
	Drops  uint64 `json:"drops"`
	Runs   uint64 `json:"runs"`
	Fails  uint64 `json:"fails"`

	LastOK    bool      `json:"last_ok"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at"`

	Active    bool      `json:"active"`
	Executing bool      `json:"executing"`
	LastFired time.Time `json:"last_fired"`
}

// Status is a point-in-time engine snapshot.
type Status struct {
	Rules   []RuleStatus    `json:"rules"`
	History []history.Entry `json:"history"`
}

// Service owns rule bindings and the gate registry and turns trigger
// pulses into gated command runs.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store history.Store
	gates *gate.Registry

	cfg      Config
	bindings map[string]*binding

	started bool
	sup     *supervisor.Supervisor

	hmu     sync.Mutex
	history []history.Entry
}

// binding pairs one rule with its live counters. Counters survive
// Rebind when the rule itself is unchanged.
type binding struct {
	rule Rule

	pulses atomic.Uint64
	drops  atomic.Uint64
	runs   atomic.Uint64
	fails  atomic.Uint64

	lmu       sync.Mutex
	lastOK    bool
	lastError string
	lastAt    time.Time
}

func (b *binding) noteResult(ok bool, errText string, at time.Time) {
	b.lmu.Lock()
	b.lastOK = ok
	b.lastError = errText
	b.lastAt = at
	b.lmu.Unlock()
}

func (b *binding) lastResult() (bool, string, time.Time) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	return b.lastOK, b.lastError, b.lastAt
}
