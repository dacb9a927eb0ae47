package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotgate/internal/eventbus"
	"slotgate/internal/history"
	"slotgate/internal/runner"
	logx "slotgate/pkg/logx"
)

// Pulse asks the engine to run rule once on behalf of source. It returns
// after handing the invocation to a supervised goroutine; whether the
// pulse actually fires is decided by the rule's slot mode: push
// supersedes the pending invocation, ignore drops the pulse while the
// slot is busy, cooldown spaces firings by the rule's period.
func (s *Service) Pulse(rule, source string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrStopped
	}
	b := s.bindings[rule]
	sup := s.sup
	s.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}

	b.pulses.Add(1)
	eventbus.Emit(s.bus, eventbus.TypeRulePulse, RunEvent{Rule: rule, Source: source})

	r := b.rule
	sup.Go0("run."+rule, func(ctx context.Context) {
		ran := false
		err := s.gates.Start(ctx, rule, r.Mode, r.Period, func(tok context.Context) error {
			ran = true
			return s.execRun(tok, b, source)
		})
		if ran || ctx.Err() != nil {
			// Run outcomes are fully reported inside execRun, and aborts
			// during shutdown are not worth counting.
			return
		}
		if err != nil {
			s.log.Warn("pulse rejected", logx.String("rule", rule), logx.Any("err", err))
			return
		}
		b.drops.Add(1)
	})
	return nil
}

// execRun performs one admitted invocation. It runs while holding the
// rule's slot: the gate guarantees per-rule mutual exclusion and has
// already stamped the firing time.
func (s *Service) execRun(ctx context.Context, b *binding, source string) error {
	r := b.rule
	b.runs.Add(1)
	start := time.Now()

	s.log.Debug("run.started", logx.String("rule", r.Name), logx.String("source", source))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Time: start, Data: RunEvent{Rule: r.Name, Source: source, Started: start}})
	}

	res := runner.Run(ctx, runner.Spec{
		Command: r.Command,
		Dir:     r.Dir,
		Env:     r.Env,
		Timeout: r.Timeout,
	})

	entry := history.Entry{
		Rule:     r.Name,
		Source:   source,
		Started:  res.Start,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
		OK:       res.Err == nil,
		Output:   tail(res.Output, historyTailLimit),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}

	switch {
	case res.Err == nil:
		if res.Duration >= 750*time.Millisecond {
			s.log.Info("run.completed", logx.String("rule", r.Name), logx.String("source", source), logx.Duration("dur", res.Duration))
		} else {
			s.log.Debug("run.completed", logx.String("rule", r.Name), logx.String("source", source), logx.Duration("dur", res.Duration))
		}
		b.noteResult(true, "", time.Now())
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Time: time.Now(), Data: RunEvent{Rule: r.Name, Source: source, Started: res.Start, Duration: res.Duration}})
		}
	case errors.Is(res.Err, context.Canceled):
		// Superseded by a newer pulse, canceled, or engine shutdown.
		// Neither success nor failure: recorded, but alerts nobody and
		// leaves the last real result in place.
		s.log.Debug("run.aborted", logx.String("rule", r.Name), logx.String("source", source), logx.Duration("dur", res.Duration))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunAborted, Time: time.Now(), Data: RunEvent{Rule: r.Name, Source: source, Started: res.Start, Duration: res.Duration, ExitCode: res.ExitCode, Error: entry.Error}})
		}
	default:
		b.fails.Add(1)
		b.noteResult(false, entry.Error, time.Now())
		s.log.Warn("run.failed", logx.String("rule", r.Name), logx.String("source", source), logx.Any("err", res.Err), logx.Duration("dur", res.Duration), logx.Int("exit", res.ExitCode))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFailed, Time: time.Now(), Data: RunEvent{Rule: r.Name, Source: source, Started: res.Start, Duration: res.Duration, ExitCode: res.ExitCode, Error: entry.Error, Output: tail(res.Output, eventTailLimit)}})
		}
	}

	s.appendHistory(entry)
	s.persist(entry)
	return res.Err
}

// persist appends to the store with its own deadline: the run's context
// is already dead when an aborted run is being recorded.
func (s *Service) persist(e history.Entry) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, e); err != nil {
		s.log.Warn("history append failed", logx.String("rule", e.Rule), logx.Any("err", err))
	}
}

func tail(b []byte, max int) string {
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
