package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"slotgate/internal/eventbus"
	logx "slotgate/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second

	pulseWarnThrottle  = 5 * time.Second
	dropReportThrottle = 5 * time.Second

	// rootRecheckEvery bounds how long a root change that produced no event
	// (creation missed during startup, kind change) can go unnoticed.
	rootRecheckEvery = 2 * time.Second

	// Ops that can change content. Chmod alone does not and is filtered out.
	eventOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
)

// Root classification, re-checked periodically so a reopen can fix the
// watch layout when a root changes kind.
const (
	rootMissing = int8(iota)
	rootFile
	rootDir
)

func classifyRoot(p string) int8 {
	st, err := os.Stat(p)
	switch {
	case err != nil:
		return rootMissing
	case st.IsDir():
		return rootDir
	default:
		return rootFile
	}
}

// runRule watches one rule's paths until ctx is canceled.
//
// Self-heals by recreating the watcher with a small exponential backoff, so a
// root that does not exist yet (or vanishes) is picked up when it appears.
func (s *Service) runRule(ctx context.Context, w *ruleWatcher) error {
	r := w.rule
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ws, err := s.openWatchSet(r)
		if err != nil {
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			if !s.log.IsZero() {
				s.log.Warn(
					"rule watch init failed; retrying",
					logx.String("rule", r.Name),
					logx.Any("err", err),
					logx.Duration("backoff", wait),
				)
			}
			if backoff < restartBackoffMax {
				backoff *= 2
				if backoff > restartBackoffMax {
					backoff = restartBackoffMax
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		backoff = restartBackoffBase
		w.dirs.Store(int64(len(ws.watched)))
		if !s.log.IsZero() {
			s.log.Debug("rule watcher started", logx.String("rule", r.Name), logx.Int("dirs", len(ws.watched)))
		}
		recheck := time.NewTicker(rootRecheckEvery)

		// inner loop: runs until the watcher breaks, then the outer loop
		// recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				recheck.Stop()
				_ = ws.fw.Close()
				return ctx.Err()
			case <-recheck.C:
				if ws.rootsChanged() {
					if !s.log.IsZero() {
						s.log.Info("watch root changed; reopening", logx.String("rule", r.Name))
					}
					broken = true
				}
			case ev, ok := <-ws.fw.Events:
				if !ok {
					broken = true
					break
				}
				if s.handleEvent(w, ws, ev) {
					broken = true
				}
			case err, ok := <-ws.fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were lost; pulse once so the rule does
				// not silently miss whatever changed.
				// Avoid depending on a specific fsnotify error constant across versions.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					if !s.log.IsZero() {
						s.log.Warn("watch overflow; pulsing rule", logx.String("rule", r.Name), logx.Any("err", err))
					}
					w.pulses.Add(1)
					if perr := s.pulse(r.Name, "watch:overflow"); perr != nil {
						s.reportPulseError(w, perr)
					}
					continue
				}
				if !s.log.IsZero() {
					s.log.Warn("rule watch error", logx.String("rule", r.Name), logx.Any("err", err))
				}
				// Some fsnotify backends surface watcher closure via an error.
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		recheck.Stop()
		_ = ws.fw.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if !s.log.IsZero() {
			s.log.Warn(
				"rule watcher stopped; restarting",
				logx.String("rule", r.Name),
				logx.Duration("backoff", wait),
			)
		}
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// handleEvent processes one fsnotify event. It returns true when the watcher
// must be rebuilt (a root vanished or changed kind).
func (s *Service) handleEvent(w *ruleWatcher, ws *watchSet, ev fsnotify.Event) (broken bool) {
	r := w.rule
	name := filepath.Clean(ev.Name)

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if ws.roots[name] {
			// fsnotify drops the watch for a removed root silently. Force a
			// reopen; the init retry loop then waits for the root to return.
			if !s.log.IsZero() {
				s.log.Warn("watch root removed", logx.String("rule", r.Name), logx.String("path", name))
			}
			broken = true
		} else if ws.watched[name] {
			// Allow a later re-add if the same directory comes back.
			delete(ws.watched, name)
			w.dirs.Store(int64(len(ws.watched)))
		}
	}

	dir := filepath.Dir(name)
	if ws.parentOnly[dir] && !ws.fileRoots[name] {
		return broken // sibling churn in a file root's directory
	}

	if ev.Op&fsnotify.Create != 0 {
		if st, err := os.Stat(name); err == nil && st.IsDir() {
			if ws.fileRoots[name] {
				// Declared root materialized as a directory; reopen so its
				// contents are watched too.
				broken = true
			} else if r.Recursive && !ws.parentOnly[dir] {
				if err := ws.addTree(name, true); err == nil {
					w.dirs.Store(int64(len(ws.watched)))
					if !s.log.IsZero() {
						s.log.Debug("watch dir added", logx.String("rule", r.Name), logx.String("path", name))
					}
				}
			}
		}
	}

	if ev.Op&eventOps == 0 {
		return broken
	}
	w.events.Add(1)
	w.lastEvent.Store(time.Now().UnixNano())

	if !r.matches(filepath.Base(name)) {
		return broken
	}
	if w.limiter != nil && !w.limiter.Allow() {
		s.recordDrop(w, name)
		return broken
	}

	w.pulses.Add(1)
	if err := s.pulse(r.Name, "watch:"+name); err != nil {
		s.reportPulseError(w, err)
	}
	return broken
}

// watchSet is one generation of fsnotify watches for a rule, with enough
// bookkeeping to map events back to the rule's roots.
type watchSet struct {
	fw      *fsnotify.Watcher
	watched map[string]bool // every path registered with fsnotify

	roots      map[string]bool // cleaned configured roots
	classes    map[string]int8 // root kind at open time
	fileRoots  map[string]bool // roots watched through their parent directory
	parentOnly map[string]bool // dirs watched only because of a file root
}

func (s *Service) openWatchSet(r Rule) (*watchSet, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ws := &watchSet{
		fw:         fw,
		watched:    map[string]bool{},
		roots:      map[string]bool{},
		classes:    map[string]int8{},
		fileRoots:  map[string]bool{},
		parentOnly: map[string]bool{},
	}

	// Directory roots first so file roots can tell whether their parent is
	// already covered by a tree watch.
	var files []string
	for _, root := range r.Paths {
		root = filepath.Clean(root)
		ws.roots[root] = true
		ws.classes[root] = classifyRoot(root)

		if ws.classes[root] == rootDir {
			if err := ws.addTree(root, r.Recursive); err != nil {
				_ = fw.Close()
				return nil, fmt.Errorf("watch %s: %w", root, err)
			}
			continue
		}
		// Existing files and roots that do not exist yet are both watched
		// through the parent directory; a missing parent fails the open and
		// lands in the retry loop.
		files = append(files, root)
	}
	for _, root := range files {
		parent := filepath.Dir(root)
		covered := ws.watched[parent]
		if err := ws.add(parent); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
		ws.fileRoots[root] = true
		if !covered {
			ws.parentOnly[parent] = true
		}
	}
	return ws, nil
}

// rootsChanged reports whether any configured root changed kind since the
// watch set was built.
func (ws *watchSet) rootsChanged() bool {
	for root, was := range ws.classes {
		if classifyRoot(root) != was {
			return true
		}
	}
	return false
}

func (ws *watchSet) add(p string) error {
	if ws.watched[p] {
		return nil
	}
	if err := ws.fw.Add(p); err != nil {
		return err
	}
	ws.watched[p] = true
	return nil
}

// addTree registers root and, when recursive, every subdirectory beneath it.
func (ws *watchSet) addTree(root string, recursive bool) error {
	if !recursive {
		return ws.add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanishing mid-walk are routine on busy trees; unreadable
			// subtrees are skipped rather than failing the whole rule.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := ws.add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return nil
	})
}

// recordDrop counts a limiter rejection and reports it at most once per
// throttle window.
func (s *Service) recordDrop(w *ruleWatcher, path string) {
	w.drops.Add(1)

	now := time.Now()
	w.tmu.Lock()
	w.dropPending++
	pending := w.dropPending
	if !w.lastDropAt.IsZero() && now.Sub(w.lastDropAt) < dropReportThrottle {
		w.tmu.Unlock()
		return
	}
	w.lastDropAt = now
	w.dropPending = 0
	w.tmu.Unlock()

	eventbus.Emit(s.bus, eventbus.TypeRuleDrop, DropEvent{Rule: w.rule.Name, Source: "watch:" + path, Dropped: pending})
	if !s.log.IsZero() {
		s.log.Warn(
			"watch events dropped by rate limit",
			logx.String("rule", w.rule.Name),
			logx.Uint64("dropped", pending),
			logx.String("path", path),
		)
	}
}

// reportPulseError logs pulse failures with per-rule throttling. Gate drops
// are silent inside the engine, so anything arriving here is a real failure
// (engine stopped, rule unbound) and can be bursty.
func (s *Service) reportPulseError(w *ruleWatcher, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	w.tmu.Lock()
	if !w.lastPulseWarn.IsZero() && now.Sub(w.lastPulseWarn) < pulseWarnThrottle {
		w.tmu.Unlock()
		return
	}
	w.lastPulseWarn = now
	w.tmu.Unlock()

	if s.log.IsZero() {
		return
	}
	s.log.Warn("rule failed to pulse", logx.String("rule", w.rule.Name), logx.Any("err", err))
}
