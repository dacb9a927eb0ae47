package watch

import (
	"context"
	"reflect"
	"sort"
	"time"

	"slotgate/internal/eventbus"
	"slotgate/internal/runtime/supervisor"
	logx "slotgate/pkg/logx"
)

func New(pulse PulseFunc, bus eventbus.Bus, log logx.Logger) *Service {
	if pulse == nil {
		pulse = func(string, string) error { return nil }
	}
	return &Service{log: log, bus: bus, pulse: pulse}
}

// Sync makes the running watcher set match rules. Watchers for removed rules
// are stopped, new rules get a watcher, and a changed rule definition restarts
// its watcher. Before Start it only records the desired set.
func (s *Service) Sync(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = append([]Rule(nil), rules...)
	if !s.started {
		return
	}

	want := make(map[string]Rule, len(rules))
	for _, r := range rules {
		want[r.Name] = r
	}

	var removed, changed int
	prior := make(map[string]bool, len(s.watchers))
	for name, w := range s.watchers {
		prior[name] = true
		r, ok := want[name]
		if ok && reflect.DeepEqual(w.rule, r) {
			continue
		}
		w.cancel()
		delete(s.watchers, name)
		if ok {
			changed++
		} else {
			removed++
		}
	}

	var added int
	for _, r := range rules {
		if _, running := s.watchers[r.Name]; running {
			continue
		}
		if !prior[r.Name] {
			added++
		}
		s.startWatcherLocked(r)
	}

	if (added > 0 || removed > 0 || changed > 0) && !s.log.IsZero() {
		s.log.Info("watch rules synced",
			logx.Int("added", added),
			logx.Int("removed", removed),
			logx.Int("changed", changed),
			logx.Int("total", len(s.watchers)),
		)
	}
}

// Start launches one supervised watcher per synced rule. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		// A broken rule watcher must not take down its siblings.
		supervisor.WithCancelOnError(false),
	)
	s.watchers = make(map[string]*ruleWatcher, len(s.rules))
	s.started = true
	for _, r := range s.rules {
		s.startWatcherLocked(r)
	}

	if !s.log.IsZero() {
		s.log.Info("watch triggers started", logx.Int("rules", len(s.rules)))
	}
}

func (s *Service) startWatcherLocked(r Rule) {
	ctx, cancel := context.WithCancel(s.sup.Context())
	w := newRuleWatcher(r, cancel)
	s.watchers[r.Name] = w
	// The run loop self-heals watcher breakage internally; GoRestart only has
	// to bring it back after a panic. Canceling the per-rule context (Sync,
	// Stop) reads as a clean exit and ends the restart loop.
	s.sup.GoRestart("watch."+r.Name, func(context.Context) error {
		return s.runRule(ctx, w)
	})
}

// Stop cancels all watchers and waits for them to exit or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	sup := s.sup
	s.started = false
	s.sup = nil
	s.watchers = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil {
		if !s.log.IsZero() {
			s.log.Warn("watch triggers did not stop cleanly", logx.Any("err", err))
		}
		return
	}
	if !s.log.IsZero() {
		s.log.Info("watch triggers stopped")
	}
}

// Snapshot returns per-rule watcher counters sorted by rule name.
func (s *Service) Snapshot() []RuleStats {
	s.mu.Lock()
	out := make([]RuleStats, 0, len(s.watchers))
	for _, w := range s.watchers {
		st := RuleStats{
			Rule:   w.rule.Name,
			Paths:  append([]string(nil), w.rule.Paths...),
			Dirs:   int(w.dirs.Load()),
			Events: w.events.Load(),
			Pulses: w.pulses.Load(),
			Drops:  w.drops.Load(),
		}
		if ns := w.lastEvent.Load(); ns != 0 {
			st.LastEvent = time.Unix(0, ns)
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}
