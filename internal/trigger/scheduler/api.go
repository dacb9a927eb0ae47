package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "slotgate/pkg/logx"
)

// AddSchedule registers (or replaces) one schedule binding.
//
// Upsert by name: an existing schedule with the same name is removed first,
// so hot reloads and repeated registrations cannot duplicate triggers.
func (s *Service) AddSchedule(b Binding) error {
	name := strings.TrimSpace(b.Name)
	rule := strings.TrimSpace(b.Rule)
	if name == "" {
		return errors.New("name required")
	}
	if rule == "" {
		return errors.New("rule required")
	}
	ps, err := ParseSchedule(b.Spec)
	if err != nil {
		return err
	}
	var cronSpec string
	switch ps.Kind {
	case SpecCron:
		// Parse eagerly so a bad expression fails the call, not the Start.
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", ps.Cron, err)
		}
		cronSpec = ps.Cron
	case SpecInterval:
		cronSpec = fmt.Sprintf("@every %s", ps.Every.String())
	default:
		return fmt.Errorf("unsupported schedule kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(name)
	d := scheduleDef{name: name, rule: rule, spec: strings.TrimSpace(b.Spec), cronSpec: cronSpec}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: keep the definition and register when Start() runs.
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Any("err", err))
		return err
	}
	next := s.previewNextRunsLocked(cronSpec, 4)
	args := []logx.Field{logx.String("name", name), logx.String("rule", rule), logx.String("spec", d.spec)}
	if next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Sync upserts every binding and removes schedules that are no longer
// listed. Registration keeps going past a bad binding; the first error is
// returned.
func (s *Service) Sync(bindings []Binding) error {
	keep := make(map[string]struct{}, len(bindings))
	var firstErr error
	for _, b := range bindings {
		keep[strings.TrimSpace(b.Name)] = struct{}{}
		if err := s.AddSchedule(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	var stale []string
	for _, d := range s.defs {
		if _, ok := keep[d.name]; !ok {
			stale = append(stale, d.name)
		}
	}
	s.mu.Unlock()
	for _, name := range stale {
		s.Remove(name)
	}
	return firstErr
}

// Remove unschedules all schedules with the given name. It returns true if
// something was removed. Safe to call even when the scheduler is not
// started (it still removes persisted defs).
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name and unregisters them from cron if running.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].name == name && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	// remove from persisted defs regardless of running state
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	if n < len(s.defs) {
		s.defs = s.defs[:n]
	}
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	// Capture by value: defs are compacted in place on removal, so a closure
	// must not read through a pointer into the slice.
	name, rule, source := d.name, d.rule, "cron:"+d.spec
	job := cron.FuncJob(func() {
		if s.pulse == nil {
			return
		}
		if err := s.pulse(rule, source); err != nil {
			s.reportPulseError(name, err)
		}
	})

	// Apply startup spread only for interval schedules (@every ...), to avoid
	// a thundering herd right after service start.
	spec := strings.TrimSpace(d.cronSpec)
	if strings.HasPrefix(spec, "@every") {
		everyStr := strings.TrimSpace(strings.TrimPrefix(spec, "@every"))
		every, err := time.ParseDuration(everyStr)
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	// Fallback: normal cron parsing.
	d.startupSpread = 0
	eid, err := s.c.AddJob(spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run times
// for the given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() {
		return ""
	}
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	if n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	// Use local time in scheduler TZ.
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
