// Package supervisor owns the daemon's background goroutines. Every
// service hosts its loops under one Supervisor so panic recovery,
// failure reporting and shutdown draining work the same way everywhere.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "slotgate/pkg/logx"
)

// Supervisor runs named tasks under a shared context. A task is any
// function handed to Go, Go0 or GoRestart: the supervisor recovers its
// panics, remembers the first failure, and optionally cancels every
// sibling when one task fails. Stop cancels the context and then waits
// for stragglers within the caller's deadline.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskRecord
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first task failure cancel the whole
// supervisor. The app-level supervisor runs with this on so a broken
// reload loop takes the daemon down visibly instead of limping.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*taskRecord{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for tasks to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err reports the first failure any task published, or nil.
func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

// Go runs fn as a task. A panic or a non-nil return (other than
// context.Canceled) becomes the supervisor's first error; with
// cancel-on-error it also cancels the shared context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recordStart(name, false)
		s.log.Debug("task started", logx.String("task", name))

		err, pan, stack := capture(s.ctx, fn)
		if pan != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", pan), logx.Stack(string(stack)))
			s.recordPanic(name, pan)
			err = fmt.Errorf("panic: %v", pan)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			failure := fmt.Errorf("%s: %w", name, err)
			s.recordExit(name, failure)
			s.publish(failure)
			if s.cancelOnErr {
				s.cancel()
			}
		} else {
			s.recordExit(name, nil)
		}
		s.log.Debug("task stopped", logx.String("task", name))
	}()
}

// Go0 runs a task that cannot fail on its own; it ends with the context.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption tunes one GoRestart loop.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoffMin   time.Duration
	backoffMax   time.Duration
	publishFirst bool
}

// WithRestartBackoff bounds the delay between restart attempts. The
// delay doubles from lo on consecutive failures and caps at hi.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.backoffMin = lo
		}
		if hi > 0 {
			p.backoffMax = hi
		}
	}
}

// WithPublishFirstError records the loop's first failure as the
// supervisor error even though the loop keeps restarting, so /statusz
// can show why a loop is unhealthy.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// steadyRun is how long a loop must stay up before its next failure
// starts the backoff ladder from the bottom again.
const steadyRun = 30 * time.Second

// GoRestart hosts a long-lived loop and restarts it after failures and
// panics with jittered exponential backoff. Returning nil ends the
// loop for good, as does context cancellation. Meant for watchers and
// consumers that should ride out transient trouble on their own.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{backoffMin: 250 * time.Millisecond, backoffMax: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.backoffMax < pol.backoffMin {
		pol.backoffMax = pol.backoffMin
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := pol.backoffMin
		for attempt := 0; ; attempt++ {
			if s.ctx.Err() != nil {
				return
			}
			s.recordStart(name, attempt > 0)
			began := time.Now()

			err, pan, stack := capture(s.ctx, fn)
			if pan != nil {
				s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", pan), logx.Stack(string(stack)))
				s.recordPanic(name, pan)
				err = fmt.Errorf("panic: %v", pan)
			}

			// Shutdown in progress, or the loop bowed out on its own.
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				s.recordExit(name, nil)
				return
			}

			failure := fmt.Errorf("%s: %w", name, err)
			s.recordExit(name, failure)
			if pol.publishFirst {
				s.publish(failure)
			}

			// A loop that held steady before this failure earned a
			// fresh ladder; one thrashing on startup keeps climbing.
			if time.Since(began) >= steadyRun {
				backoff = pol.backoffMin
			}
			wait := backoff + jitter(backoff)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Any("err", err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, pol.backoffMax)
		}
	}()
}

// Stop cancels the context and waits for every task to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all tasks exit or ctx expires. On a full drain it
// returns the first published failure, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) publish(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

// capture runs fn and converts a panic into return values so the
// caller decides whether it is fatal or just a failed attempt.
func capture(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = debug.Stack()
		}
	}()
	err = fn(ctx)
	return
}

// jitter returns up to 20% of d so several failing loops do not
// retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/5 + 1))
}

// TaskStats aggregates every start of one task name. Concurrent tasks
// sharing a name, like the per-rule run goroutines, fold into one row.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time view of the supervisor's tasks for the
// daemon status page. Not a synchronization primitive.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	snap.Tasks = make([]TaskStats, 0, len(s.tasks))
	for _, rec := range s.tasks {
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:      rec.name,
			Active:    rec.active,
			Started:   rec.started,
			Restarts:  rec.restarts,
			Panics:    rec.panics,
			LastStart: rec.lastStart,
			LastStop:  rec.lastStop,
			LastError: rec.lastError,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

type taskRecord struct {
	name      string
	active    int64
	started   uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastStop  time.Time
	lastError string
}

// task returns the record for name; the caller holds s.mu.
func (s *Supervisor) task(name string) *taskRecord {
	rec := s.tasks[name]
	if rec == nil {
		rec = &taskRecord{name: name}
		s.tasks[name] = rec
	}
	return rec
}

func (s *Supervisor) recordStart(name string, restart bool) {
	s.mu.Lock()
	rec := s.task(name)
	rec.active++
	rec.started++
	if restart {
		rec.restarts++
	}
	rec.lastStart = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) recordExit(name string, err error) {
	s.mu.Lock()
	rec := s.task(name)
	if rec.active > 0 {
		rec.active--
	}
	rec.lastStop = time.Now()
	if err != nil {
		rec.lastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) recordPanic(name string, v any) {
	s.mu.Lock()
	rec := s.task(name)
	rec.panics++
	rec.lastError = fmt.Sprintf("panic: %v", v)
	s.mu.Unlock()
}
