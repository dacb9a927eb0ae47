package engine

import (
	"context"
	"reflect"

	"slotgate/internal/eventbus"
	"slotgate/internal/history"
	"slotgate/internal/runtime/supervisor"
	"slotgate/pkg/gate"
	logx "slotgate/pkg/logx"
)

// New builds an engine around its own gate registry. store may be nil
// (no persistence); bus may be nil (no events).
func New(cfg Config, store history.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		gates:    gate.New(),
		bindings: map[string]*binding{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates engine-level settings. Safe while running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.StatusInterval < 0 {
		cfg.StatusInterval = 0
	}
	s.cfg = cfg
}

// Rebind replaces the rule set. Unchanged rules keep their counters;
// removed rules have their gate slots canceled so pending invocations
// die and a running command is killed. A changed rule only affects
// pulses admitted after the swap.
func (s *Service) Rebind(rules []Rule) {
	s.mu.Lock()
	prev := s.bindings
	next := make(map[string]*binding, len(rules))
	var added, changed, kept int
	for _, r := range rules {
		if old, ok := prev[r.Name]; ok {
			if reflect.DeepEqual(old.rule, r) {
				next[r.Name] = old
				kept++
				continue
			}
			changed++
		} else {
			added++
		}
		next[r.Name] = &binding{rule: r}
	}
	s.bindings = next
	s.mu.Unlock()

	removed := 0
	for name := range prev {
		if _, ok := next[name]; !ok {
			s.gates.Cancel(name)
			removed++
		}
	}
	if added+changed+removed > 0 {
		s.log.Info("rules rebound",
			logx.Int("added", added),
			logx.Int("changed", changed),
			logx.Int("removed", removed),
			logx.Int("kept", kept))
	}
}

// Start makes the engine accept pulses. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup.Go0("engine.status", s.statusLoop)
	s.started = true
	rules := len(s.bindings)
	s.mu.Unlock()

	s.log.Info("engine started", logx.Int("rules", rules))
	return nil
}

// Stop aborts pending invocations, kills running commands and waits for
// in-flight runs to finish reporting, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("engine did not stop cleanly", logx.Any("err", err))
		return err
	}
	s.log.Info("engine stopped")
	return nil
}

// Cancel drops the rule's pending invocation, if any, and kills its
// running command. No-op for unknown rules; cooldown state is kept.
func (s *Service) Cancel(rule string) {
	s.gates.Cancel(rule)
}

// OnCooldown reports whether the rule fired within its own period.
// Unknown rules are never on cooldown.
func (s *Service) OnCooldown(rule string) bool {
	s.mu.Lock()
	b := s.bindings[rule]
	s.mu.Unlock()
	if b == nil {
		return false
	}
	return s.gates.OnCooldown(rule, b.rule.Period)
}

func (s *Service) historyLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HistorySize
}

func (s *Service) appendHistory(e history.Entry) {
	limit := s.historyLimit()
	s.hmu.Lock()
	s.history = append(s.history, e)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}
