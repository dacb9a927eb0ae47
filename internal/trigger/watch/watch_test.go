package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"slotgate/internal/eventbus"
	logx "slotgate/pkg/logx"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond

	// Settle time before asserting that something did NOT pulse.
	quiet = 300 * time.Millisecond
)

// pulseRecorder stands in for the engine.
type pulseRecorder struct {
	mu     sync.Mutex
	pulses []string // "rule|source"
}

func (p *pulseRecorder) fn(rule, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses = append(p.pulses, rule+"|"+source)
	return nil
}

func (p *pulseRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pulses)
}

// countWith counts pulses whose "rule|source" string contains substr.
func (p *pulseRecorder) countWith(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.pulses {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T, rec *pulseRecorder, bus eventbus.Bus, rules ...Rule) *Service {
	t.Helper()
	s := New(rec.fn, bus, logx.Nop())
	s.Sync(rules)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

// touch writes path, ignoring errors; used inside Eventually conditions where
// events written before the watch registers would otherwise be lost.
func touch(path string) {
	_ = os.WriteFile(path, []byte("x\n"), 0o644)
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		patterns []string
		ignore   []string
		base     string
		want     bool
	}{
		{name: "empty patterns match all", base: "anything.bin", want: true},
		{name: "pattern hit", patterns: []string{"*.css", "*.js"}, base: "app.js", want: true},
		{name: "pattern miss", patterns: []string{"*.css"}, base: "app.js", want: false},
		{name: "ignore wins over pattern", patterns: []string{"*"}, ignore: []string{"*.tmp"}, base: "a.tmp", want: false},
		{name: "ignore without patterns", ignore: []string{".#*"}, base: ".#lock", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Rule{Patterns: tc.patterns, Ignore: tc.ignore}
			require.Equal(t, tc.want, r.matches(tc.base))
		})
	}
}

func TestNewLimiter(t *testing.T) {
	t.Parallel()

	require.Nil(t, newLimiter(-1))

	def := newLimiter(0)
	require.NotNil(t, def)
	require.Equal(t, rate.Limit(defaultMaxEventsPerSec), def.Limit())

	lim := newLimiter(3)
	require.NotNil(t, lim)
	require.Equal(t, rate.Limit(3), lim.Limit())
}

func TestWatchPulsesOnMatchingWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "assets", Paths: []string{dir}, Patterns: []string{"*.css"}, MaxEventsPerSec: -1,
	})

	want := "assets|watch:" + filepath.Join(dir, "style.css")
	require.Eventually(t, func() bool {
		touch(filepath.Join(dir, "skip.txt"))
		touch(filepath.Join(dir, "style.css"))
		return rec.countWith(want) > 0
	}, waitFor, 50*time.Millisecond)

	// Events are handled in order, so the skip.txt written before the seen
	// style.css has already been filtered.
	require.Zero(t, rec.countWith("skip.txt"))
}

func TestWatchIgnoreWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "site", Paths: []string{dir}, Patterns: []string{"*"}, Ignore: []string{"*.log"}, MaxEventsPerSec: -1,
	})

	require.Eventually(t, func() bool {
		touch(filepath.Join(dir, "noise.log"))
		touch(filepath.Join(dir, "ok.txt"))
		return rec.countWith("ok.txt") > 0
	}, waitFor, 50*time.Millisecond)

	require.Zero(t, rec.countWith("noise.log"))
}

func TestWatchRecursiveSeesNewDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "src", Paths: []string{dir}, Recursive: true, Patterns: []string{"*.go"}, MaxEventsPerSec: -1,
	})

	// Confirm the root watch is live before creating the subdirectory.
	require.Eventually(t, func() bool {
		touch(filepath.Join(dir, "root.go"))
		return rec.countWith("root.go") > 0
	}, waitFor, 50*time.Millisecond)

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))

	// The new directory's watch registers asynchronously; keep writing until
	// a write lands after registration.
	require.Eventually(t, func() bool {
		touch(filepath.Join(sub, "f.go"))
		return rec.countWith(filepath.Join("pkg", "f.go")) > 0
	}, waitFor, 50*time.Millisecond)
}

func TestWatchFileRootIgnoresSiblings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "watched.conf")
	touch(target)

	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "conf", Paths: []string{target}, MaxEventsPerSec: -1,
	})

	require.Eventually(t, func() bool {
		touch(target)
		return rec.count() > 0
	}, waitFor, 50*time.Millisecond)
	time.Sleep(quiet) // drain events from the touch loop

	// An atomic-save dance: sibling churn stays silent, the rename onto the
	// root pulses.
	before := rec.countWith("watched.conf")
	tmp := filepath.Join(dir, "watched.conf.tmp")
	touch(tmp)
	require.NoError(t, os.Rename(tmp, target))

	require.Eventually(t, func() bool { return rec.countWith("watched.conf") > before }, waitFor, tick)
	require.Zero(t, rec.countWith(".tmp"))
}

func TestWatchMissingRootSelfHeals(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "later")

	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "deploy", Paths: []string{root}, MaxEventsPerSec: -1,
	})

	require.NoError(t, os.Mkdir(root, 0o755))

	// Directly after the mkdir the watcher may still be in its
	// parent-watching layout; the periodic root recheck flips it over.
	require.Eventually(t, func() bool {
		touch(filepath.Join(root, "drop.txt"))
		return rec.countWith("drop.txt") > 0
	}, 15*time.Second, 100*time.Millisecond)
}

func TestWatchRootRemovalRecovers(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	root := filepath.Join(base, "site")
	require.NoError(t, os.Mkdir(root, 0o755))

	rec := &pulseRecorder{}
	newTestService(t, rec, nil, Rule{
		Name: "site", Paths: []string{root}, MaxEventsPerSec: -1,
	})

	require.Eventually(t, func() bool {
		touch(filepath.Join(root, "a.txt"))
		return rec.countWith("a.txt") > 0
	}, waitFor, 50*time.Millisecond)

	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, os.Mkdir(root, 0o755))

	require.Eventually(t, func() bool {
		touch(filepath.Join(root, "b.txt"))
		return rec.countWith("b.txt") > 0
	}, 15*time.Second, 100*time.Millisecond)
}

func TestWatchLimiterDropsAndPublishes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	rec := &pulseRecorder{}
	s := newTestService(t, rec, bus, Rule{
		Name: "storm", Paths: []string{dir}, MaxEventsPerSec: 1,
	})

	require.Eventually(t, func() bool {
		touch(filepath.Join(dir, "probe.txt"))
		return rec.count() > 0
	}, waitFor, 50*time.Millisecond)

	for i := 0; i < 40; i++ {
		touch(filepath.Join(dir, fmt.Sprintf("f%02d.txt", i)))
	}

	var drop *DropEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Type == "rule.drop" {
					if d, ok := ev.Data.(DropEvent); ok {
						drop = &d
						return true
					}
				}
			default:
				return false
			}
		}
	}, waitFor, tick)

	require.Equal(t, "storm", drop.Rule)
	require.NotZero(t, drop.Dropped)

	stats := s.Snapshot()
	require.Len(t, stats, 1)
	require.Equal(t, "storm", stats[0].Rule)
	require.NotZero(t, stats[0].Drops)
	require.NotZero(t, stats[0].Pulses)
	require.Greater(t, stats[0].Events, stats[0].Pulses)
}

func TestWatchSyncSwapsRules(t *testing.T) {
	t.Parallel()

	dirA := t.TempDir()
	dirB := t.TempDir()

	rec := &pulseRecorder{}
	s := newTestService(t, rec, nil, Rule{Name: "a", Paths: []string{dirA}, MaxEventsPerSec: -1})

	require.Eventually(t, func() bool {
		touch(filepath.Join(dirA, "a1.txt"))
		return rec.countWith("a1.txt") > 0
	}, waitFor, 50*time.Millisecond)

	s.Sync([]Rule{{Name: "b", Paths: []string{dirB}, MaxEventsPerSec: -1}})

	require.Eventually(t, func() bool {
		touch(filepath.Join(dirB, "b1.txt"))
		return rec.countWith("b1.txt") > 0
	}, waitFor, 50*time.Millisecond)

	stats := s.Snapshot()
	require.Len(t, stats, 1)
	require.Equal(t, "b", stats[0].Rule)

	// The old watcher is gone; fresh writes under dirA stay silent.
	writeGap := filepath.Join(dirA, "a2.txt")
	touch(writeGap)
	time.Sleep(quiet)
	require.Zero(t, rec.countWith("a2.txt"))
}

func TestWatchStopIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := &pulseRecorder{}
	s := newTestService(t, rec, nil, Rule{Name: "one", Paths: []string{dir}, MaxEventsPerSec: -1})

	require.Eventually(t, func() bool {
		touch(filepath.Join(dir, "x.txt"))
		return rec.count() > 0
	}, waitFor, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)

	require.Empty(t, s.Snapshot())

	touch(filepath.Join(dir, "after.txt"))
	time.Sleep(quiet)
	require.Zero(t, rec.countWith("after.txt"))
}
