// Package eventbus is the in-process fanout connecting the engine to
// the services that react to runs: the notifier, the history log and
// the debug event trace. Producers publish fire-and-forget; a slow
// subscriber loses events instead of stalling a run.
package eventbus

import (
	"sync"
	"time"
)

// Rule and run lifecycle types, shared between the engine and the
// services observing it. Payload structs live next to their producers
// (engine.RunEvent, watch.DropEvent); single-consumer telemetry types
// like the notifier's stay local to their package.
const (
	TypeRulePulse   = "rule.pulse"   // a trigger asked for a run
	TypeRuleDrop    = "rule.drop"    // the per-rule limiter suppressed events
	TypeRunStarted  = "run.started"  // command handed to the runner
	TypeRunFinished = "run.finished" // command exited zero
	TypeRunAborted  = "run.aborted"  // superseded, or killed by shutdown
	TypeRunFailed   = "run.failed"   // non-zero exit, timeout or spawn error
)

// Event is one bus message. Data should stay small and
// JSON-serializable; the notifier and the trace loop both format it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. Subscribers whose buffer is full miss the event.
	Publish(e Event)
	// Subscribe returns a receive channel and an idempotent unsubscribe
	// that closes it.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

// Emit publishes a typed event stamped with the current time.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type fanout struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers first; sends happen without the lock held.
	f.mu.Lock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver attempts one non-blocking send. The recover covers the race
// where an unsubscribe closes ch between the snapshot and the send.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
