package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"slotgate/internal/eventbus"
	"slotgate/internal/history"
	"slotgate/pkg/gate"
	logx "slotgate/pkg/logx"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

func echoRule(name string) Rule {
	return Rule{Name: name, Mode: gate.Push, Command: []string{"sh", "-c", "echo ok"}}
}

func sleepRule(name string, mode gate.Mode, period time.Duration) Rule {
	return Rule{Name: name, Mode: mode, Period: period, Command: []string{"sh", "-c", "sleep 5"}}
}

func newTestEngine(t *testing.T, store history.Store, cfg Config, rules ...Rule) (*Service, *eventTrap) {
	t.Helper()
	bus := eventbus.New()
	trap := trapEvents(t, bus)
	s := New(cfg, store, bus, logx.Nop())
	s.Rebind(rules)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, trap
}

// eventTrap drains a bus subscription into memory so tests can poll for
// lifecycle events without racing the publisher.
type eventTrap struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func trapEvents(t *testing.T, bus eventbus.Bus) *eventTrap {
	t.Helper()
	ch, unsub := bus.Subscribe(256)
	trap := &eventTrap{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			trap.mu.Lock()
			trap.events = append(trap.events, e)
			trap.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		unsub()
		<-done
	})
	return trap
}

func (tr *eventTrap) count(typ string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, e := range tr.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (tr *eventTrap) runEvents(typ string) []RunEvent {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []RunEvent
	for _, e := range tr.events {
		if e.Type != typ {
			continue
		}
		if re, ok := e.Data.(RunEvent); ok {
			out = append(out, re)
		}
	}
	return out
}

func ruleStatus(s *Service, name string) (RuleStatus, bool) {
	for _, r := range s.Status().Rules {
		if r.Rule == name {
			return r, true
		}
	}
	return RuleStatus{}, false
}

func TestPulseRunsCommand(t *testing.T) {
	t.Parallel()

	s, trap := newTestEngine(t, nil, Config{}, echoRule("deploy"))
	require.NoError(t, s.Pulse("deploy", "cron:@every 1m"))

	require.Eventually(t, func() bool {
		return trap.count("run.finished") == 1
	}, waitFor, tick)

	require.Equal(t, 1, trap.count("rule.pulse"))
	require.Equal(t, 1, trap.count("run.started"))
	fin := trap.runEvents("run.finished")
	require.Len(t, fin, 1)
	require.Equal(t, "deploy", fin[0].Rule)
	require.Equal(t, "cron:@every 1m", fin[0].Source)
	require.False(t, fin[0].Started.IsZero())

	rs, ok := ruleStatus(s, "deploy")
	require.True(t, ok)
	require.EqualValues(t, 1, rs.Pulses)
	require.EqualValues(t, 1, rs.Runs)
	require.EqualValues(t, 0, rs.Fails)
	require.EqualValues(t, 0, rs.Drops)
	require.True(t, rs.LastOK)
	require.False(t, rs.LastFired.IsZero())

	// The history append lands just after the terminal event.
	require.Eventually(t, func() bool {
		return len(s.Status().History) == 1
	}, waitFor, tick)
	hist := s.Status().History
	require.True(t, hist[0].OK)
	require.Equal(t, "deploy", hist[0].Rule)
	require.Contains(t, hist[0].Output, "ok")
}

func TestPulseUnknownRule(t *testing.T) {
	t.Parallel()

	s, _ := newTestEngine(t, nil, Config{}, echoRule("known"))
	err := s.Pulse("ghost", "watch:/tmp/x")
	require.ErrorIs(t, err, ErrUnknownRule)
}

func TestPulseAfterStop(t *testing.T) {
	t.Parallel()

	s, _ := newTestEngine(t, nil, Config{}, echoRule("r"))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.ErrorIs(t, s.Pulse("r", "cron:x"), ErrStopped)
}

func TestFailedRunCountsAndPublishes(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "broken", Mode: gate.Push, Command: []string{"sh", "-c", "echo boom 1>&2; exit 3"}}
	s, trap := newTestEngine(t, nil, Config{}, rule)
	require.NoError(t, s.Pulse("broken", "watch:/etc/x"))

	require.Eventually(t, func() bool {
		return trap.count("run.failed") == 1
	}, waitFor, tick)

	evs := trap.runEvents("run.failed")
	require.Len(t, evs, 1)
	require.Equal(t, 3, evs[0].ExitCode)
	require.NotEmpty(t, evs[0].Error)
	require.Contains(t, evs[0].Output, "boom")

	rs, ok := ruleStatus(s, "broken")
	require.True(t, ok)
	require.EqualValues(t, 1, rs.Runs)
	require.EqualValues(t, 1, rs.Fails)
	require.False(t, rs.LastOK)
	require.NotEmpty(t, rs.LastError)

	require.Eventually(t, func() bool {
		return len(s.Status().History) == 1
	}, waitFor, tick)
	hist := s.Status().History
	require.False(t, hist[0].OK)
	require.Equal(t, 3, hist[0].ExitCode)
}

func TestPushSupersedesRunningCommand(t *testing.T) {
	t.Parallel()

	s, trap := newTestEngine(t, nil, Config{}, sleepRule("build", gate.Push, 0))
	require.NoError(t, s.Pulse("build", "watch:a"))
	require.Eventually(t, func() bool {
		return trap.count("run.started") == 1
	}, waitFor, tick)

	require.NoError(t, s.Pulse("build", "watch:b"))
	require.Eventually(t, func() bool {
		return trap.count("run.aborted") >= 1 && trap.count("run.started") == 2
	}, waitFor, tick)

	rs, ok := ruleStatus(s, "build")
	require.True(t, ok)
	require.EqualValues(t, 2, rs.Runs)
	require.EqualValues(t, 0, rs.Fails)
	require.EqualValues(t, 0, rs.Drops)
}

func TestIgnoreDropsWhileBusy(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "scan", Mode: gate.Ignore, Command: []string{"sh", "-c", "sleep 1"}}
	s, trap := newTestEngine(t, nil, Config{}, rule)
	require.NoError(t, s.Pulse("scan", "watch:a"))
	require.Eventually(t, func() bool {
		return trap.count("run.started") == 1
	}, waitFor, tick)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Pulse("scan", "watch:b"))
	}
	require.Eventually(t, func() bool {
		rs, _ := ruleStatus(s, "scan")
		return rs.Drops == 3
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return trap.count("run.finished") == 1
	}, waitFor, tick)
	rs, _ := ruleStatus(s, "scan")
	require.EqualValues(t, 1, rs.Runs)
	require.EqualValues(t, 4, rs.Pulses)
	require.False(t, s.OnCooldown("scan"))
}

func TestCooldownSpacesRuns(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "sync", Mode: gate.Cooldown, Period: 700 * time.Millisecond, Command: []string{"sh", "-c", "echo ok"}}
	s, trap := newTestEngine(t, nil, Config{}, rule)

	require.NoError(t, s.Pulse("sync", "watch:a"))
	require.Eventually(t, func() bool {
		return trap.count("run.finished") == 1
	}, waitFor, tick)
	require.True(t, s.OnCooldown("sync"))

	// Pulses sent while a cooldown wait is pending are dropped, so keep
	// pulsing until one is admitted. Checking before pulsing keeps the
	// closure from seeding a third run on its success pass.
	require.Eventually(t, func() bool {
		if trap.count("run.finished") >= 2 {
			return true
		}
		_ = s.Pulse("sync", "watch:b")
		return false
	}, waitFor, tick)

	starts := trap.runEvents("run.started")
	require.Len(t, starts, 2)
	gap := starts[1].Started.Sub(starts[0].Started)
	require.GreaterOrEqual(t, gap, 500*time.Millisecond)

	require.Eventually(t, func() bool {
		return !s.OnCooldown("sync")
	}, waitFor, tick)
}

func TestRunTimeoutIsFailure(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "slow", Mode: gate.Push, Command: []string{"sh", "-c", "sleep 5"}, Timeout: 100 * time.Millisecond}
	s, trap := newTestEngine(t, nil, Config{}, rule)
	require.NoError(t, s.Pulse("slow", "cron:x"))

	require.Eventually(t, func() bool {
		return trap.count("run.failed") == 1
	}, waitFor, tick)

	evs := trap.runEvents("run.failed")
	require.Contains(t, evs[0].Error, "timed out")
	rs, _ := ruleStatus(s, "slow")
	require.EqualValues(t, 1, rs.Fails)
}

func TestCancelKillsRunAndKeepsCooldown(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "job", Mode: gate.Cooldown, Period: time.Hour, Command: []string{"sh", "-c", "sleep 5"}}
	s, trap := newTestEngine(t, nil, Config{}, rule)
	require.NoError(t, s.Pulse("job", "cron:x"))
	require.Eventually(t, func() bool {
		return trap.count("run.started") == 1
	}, waitFor, tick)

	s.Cancel("job")
	require.Eventually(t, func() bool {
		return trap.count("run.aborted") == 1
	}, waitFor, tick)

	rs, _ := ruleStatus(s, "job")
	require.EqualValues(t, 1, rs.Runs)
	require.EqualValues(t, 0, rs.Fails)
	// The firing was stamped before the command ran; cancel does not
	// reopen the cooldown window.
	require.True(t, s.OnCooldown("job"))
}

func TestRebindRemovesAndCancels(t *testing.T) {
	t.Parallel()

	s, trap := newTestEngine(t, nil, Config{}, sleepRule("old", gate.Push, 0))
	require.NoError(t, s.Pulse("old", "watch:a"))
	require.Eventually(t, func() bool {
		return trap.count("run.started") == 1
	}, waitFor, tick)

	s.Rebind(nil)
	require.Eventually(t, func() bool {
		return trap.count("run.aborted") == 1
	}, waitFor, tick)
	require.ErrorIs(t, s.Pulse("old", "watch:a"), ErrUnknownRule)
}

func TestRebindKeepsCountersForUnchangedRules(t *testing.T) {
	t.Parallel()

	keep := echoRule("keep")
	s, trap := newTestEngine(t, nil, Config{}, keep)
	require.NoError(t, s.Pulse("keep", "cron:x"))
	require.Eventually(t, func() bool {
		return trap.count("run.finished") == 1
	}, waitFor, tick)

	s.Rebind([]Rule{keep, echoRule("fresh")})

	rs, ok := ruleStatus(s, "keep")
	require.True(t, ok)
	require.EqualValues(t, 1, rs.Runs)
	fresh, ok := ruleStatus(s, "fresh")
	require.True(t, ok)
	require.EqualValues(t, 0, fresh.Runs)
}

func TestHistoryLimitTrims(t *testing.T) {
	t.Parallel()

	rules := []Rule{echoRule("a"), echoRule("b"), echoRule("c")}
	s, trap := newTestEngine(t, nil, Config{HistorySize: 2}, rules...)
	for i, r := range rules {
		require.NoError(t, s.Pulse(r.Name, "cron:x"))
		want := i + 1
		require.Eventually(t, func() bool {
			return trap.count("run.finished") == want
		}, waitFor, tick)
	}

	require.Eventually(t, func() bool {
		h := s.Status().History
		return len(h) == 2 && h[0].Rule == "b" && h[1].Rule == "c"
	}, waitFor, tick)
}

func TestEngineAppendsToStore(t *testing.T) {
	t.Parallel()

	store, err := history.Open(history.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "runs.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s, trap := newTestEngine(t, store, Config{}, echoRule("persisted"))
	require.NoError(t, s.Pulse("persisted", "watch:/srv/app"))
	require.Eventually(t, func() bool {
		return trap.count("run.finished") == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		rows, err := store.Recent(context.Background(), "persisted", 10)
		return err == nil && len(rows) == 1
	}, waitFor, tick)
	rows, err := store.Recent(context.Background(), "persisted", 10)
	require.NoError(t, err)
	require.True(t, rows[0].OK)
	require.Equal(t, "watch:/srv/app", rows[0].Source)
}

func TestStatusTracksExecuting(t *testing.T) {
	t.Parallel()

	rule := Rule{Name: "live", Mode: gate.Ignore, Command: []string{"sh", "-c", "sleep 0.4"}}
	s, trap := newTestEngine(t, nil, Config{}, rule)
	require.NoError(t, s.Pulse("live", "watch:a"))

	require.Eventually(t, func() bool {
		rs, _ := ruleStatus(s, "live")
		return rs.Active && rs.Executing
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		rs, _ := ruleStatus(s, "live")
		return trap.count("run.finished") == 1 && !rs.Active && !rs.Executing
	}, waitFor, tick)
}
