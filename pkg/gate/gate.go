package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownMode    = errors.New("gate: unknown mode")
	ErrNegativePeriod = errors.New("gate: negative period")
	ErrNilHandler     = errors.New("gate: nil handler")
)

// Handler is the unit of work guarded by a slot.
//
// The context passed to the handler is canceled when the invocation is
// superseded by a later Push, when Cancel is called on the slot, or when the
// Start caller's context ends. Long-running handlers should observe it;
// nothing interrupts them otherwise.
type Handler func(ctx context.Context) error

// Registry tracks per-slot throttle state. The zero value is not usable;
// construct with New. A Registry is safe for concurrent use and holds no
// external resources, so it needs no teardown.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot state lives for the Registry lifetime once created.
//
// token/cancel always describe the most recently admitted invocation. A
// canceled token is the idle marker: fresh slots start with one, and the
// cleanup path restores one, which is what re-admits Ignore calls.
type slot struct {
	token  context.Context
	cancel context.CancelFunc

	fired     bool
	lastFired time.Time

	// executing is non-nil exactly while a handler runs, closed when it
	// finishes. Superseded waiters may be parked on a stale copy; they
	// re-check their token after waking.
	executing chan struct{}
}

func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// slotFor returns the named slot, creating idle state on first use.
// Callers hold r.mu.
func (r *Registry) slotFor(name string) *slot {
	sl, ok := r.slots[name]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sl = &slot{token: ctx, cancel: cancel}
		r.slots[name] = sl
	}
	return sl
}

// remaining reports how much of a cooldown window is left. A slot that has
// never fired has nothing left to wait out.
func (sl *slot) remaining(period time.Duration, now time.Time) time.Duration {
	if !sl.fired {
		return 0
	}
	if d := sl.lastFired.Add(period).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Start admits fn into the slot under the given mode and, if admitted, blocks
// until fn finishes or the invocation is superseded. Callers that do not want
// to block run it in a goroutine.
//
// The sequencing is fixed: wait out the period first, then wait for any
// in-flight handler, re-checking the invocation's token after each wait. Only
// the most recently admitted invocation survives both checks, which is what
// collapses a burst of Pushes into a single firing P after the last one.
//
// Start returns nil for dropped and superseded invocations, ctx.Err() if the
// caller's own context ended while waiting, and otherwise whatever fn returns.
func (r *Registry) Start(ctx context.Context, name string, mode Mode, period time.Duration, fn Handler) error {
	if fn == nil {
		return ErrNilHandler
	}
	if period < 0 {
		return ErrNegativePeriod
	}
	switch mode {
	case Push, Ignore, Cooldown:
	default:
		return ErrUnknownMode
	}

	now := time.Now()

	r.mu.Lock()
	sl := r.slotFor(name)

	// Cooldown resolves to Ignore with the remaining quiet time as the
	// period. The window opens at the last firing, so a call made mid-window
	// lands exactly on the boundary rather than a full period later.
	if mode == Cooldown {
		period = sl.remaining(period, now)
		mode = Ignore
	}
	if mode == Ignore && sl.token.Err() == nil {
		// Busy slot: dropping is the policy, not an error.
		r.mu.Unlock()
		return nil
	}

	// Admitted. Cancel whatever was pending or executing and take over the
	// slot's token. From here on, token.Err() != nil means a later call
	// superseded this one (or the caller's ctx died).
	sl.cancel()
	token, cancel := context.WithCancel(ctx)
	sl.token, sl.cancel = token, cancel
	r.mu.Unlock()
	defer cancel()

	if period > 0 {
		timer := time.NewTimer(period)
		select {
		case <-timer.C:
		case <-token.Done():
			timer.Stop()
			return aborted(ctx)
		}
	}

	// Wait out any in-flight handler. The loop re-checks the token every
	// time the slot frees up; both re-checks (post-timer above, post-wait
	// here) are load-bearing, since a supersede can land during either wait.
	r.mu.Lock()
	for {
		if token.Err() != nil {
			r.mu.Unlock()
			return aborted(ctx)
		}
		done := sl.executing
		if done == nil {
			break
		}
		r.mu.Unlock()
		select {
		case <-done:
		case <-token.Done():
		}
		r.mu.Lock()
	}

	// This invocation owns the slot. lastFired moves before the handler runs,
	// so failed and canceled runs still count against later cooldowns.
	now = time.Now()
	if !sl.fired || now.After(sl.lastFired) {
		sl.lastFired = now
	}
	sl.fired = true
	done := make(chan struct{})
	sl.executing = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if sl.executing == done {
			sl.executing = nil
		}
		r.mu.Unlock()
		close(done)
	}()

	return fn(token)
}

// Cancel cancels the slot's current invocation, pending or executing.
// Canceling an idle or unknown slot is a no-op (unknown slots get an idle
// state record as a side effect). Cancel never rewinds the cooldown clock:
// OnCooldown keeps answering from the last actual firing.
//
// An executing handler is not interrupted, only its context is canceled.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotFor(name).cancel()
}

// OnCooldown reports whether the slot fired less than period ago. A slot that
// has never fired is never on cooldown.
func (r *Registry) OnCooldown(name string, period time.Duration) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slotFor(name).remaining(period, now) > 0
}

// aborted reports how an interrupted wait ends: superseded and canceled
// invocations finish silently, a dead caller context propagates.
func aborted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
