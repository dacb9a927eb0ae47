package engine

import (
	"context"
	"sort"
	"time"

	"slotgate/internal/history"
	"slotgate/pkg/gate"
	logx "slotgate/pkg/logx"
)

// statusLoop logs a periodic one-line summary. The interval is re-read
// every cycle so config reloads take effect without a restart; 0 keeps
// the loop parked.
func (s *Service) statusLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		d := s.cfg.StatusInterval
		s.mu.Unlock()

		sleep := d
		if sleep <= 0 {
			sleep = 30 * time.Second
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if d > 0 {
			s.logStatus()
		}
	}
}

func (s *Service) logStatus() {
	st := s.Status()
	var pulses, drops, runs, fails uint64
	active, executing := 0, 0
	for _, r := range st.Rules {
		pulses += r.Pulses
		drops += r.Drops
		runs += r.Runs
		fails += r.Fails
		if r.Active {
			active++
		}
		if r.Executing {
			executing++
		}
	}
	s.log.Info("engine status",
		logx.Int("rules", len(st.Rules)),
		logx.Uint64("pulses", pulses),
		logx.Uint64("runs", runs),
		logx.Uint64("fails", fails),
		logx.Uint64("drops", drops),
		logx.Int("active", active),
		logx.Int("executing", executing))
}

// Status merges per-rule counters with live slot state and copies the
// recent run history, newest last.
func (s *Service) Status() Status {
	s.mu.Lock()
	bindings := make([]*binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()

	slots := map[string]gate.SlotInfo{}
	for _, si := range s.gates.Snapshot() {
		slots[si.Slot] = si
	}

	st := Status{Rules: make([]RuleStatus, 0, len(bindings))}
	for _, b := range bindings {
		ok, errText, at := b.lastResult()
		rs := RuleStatus{
			Rule:      b.rule.Name,
			Mode:      b.rule.Mode.String(),
			Period:    b.rule.Period,
			Pulses:    b.pulses.Load(),
			Drops:     b.drops.Load(),
			Runs:      b.runs.Load(),
			Fails:     b.fails.Load(),
			LastOK:    ok,
			LastError: errText,
			LastAt:    at,
		}
		if si, found := slots[b.rule.Name]; found {
			rs.Active = si.Active
			rs.Executing = si.Executing
			rs.LastFired = si.LastFired
		}
		st.Rules = append(st.Rules, rs)
	}
	sort.Slice(st.Rules, func(i, j int) bool { return st.Rules[i].Rule < st.Rules[j].Rule })

	s.hmu.Lock()
	st.History = append([]history.Entry(nil), s.history...)
	s.hmu.Unlock()
	return st
}
