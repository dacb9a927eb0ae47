package config

import (
	"fmt"
	"path"
	"strings"

	"slotgate/pkg/gate"
)

// Validate checks everything the config package can judge on its own.
// Schedule specs are validated by the trigger service, which owns the spec
// grammar; the app layer composes both into the manager's validator hook.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if c.Engine.DefaultMode != "" {
		if _, err := gate.ParseMode(c.Engine.DefaultMode); err != nil {
			return fmt.Errorf("engine.default_mode: %w", err)
		}
	}
	if _, err := ParseDurationField("engine.default_period", c.Engine.DefaultPeriod); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.status_interval", c.Engine.StatusInterval); err != nil {
		return err
	}
	if c.Engine.HistorySize < 0 {
		return fmt.Errorf("engine.history_size must be >= 0")
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("rules: at least one rule is required")
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		at := fmt.Sprintf("rules[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%s.name must not be empty", at)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name %q is not unique", at, name)
		}
		seen[name] = struct{}{}
		if len(r.Watch) == 0 {
			return fmt.Errorf("%s: watch must list at least one path", at)
		}
		for _, p := range r.Watch {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("%s: watch paths must not be empty", at)
			}
		}
		// A bad glob is a silent never-match at event time, so reject it here.
		for _, g := range r.Patterns {
			if _, err := path.Match(g, "probe"); err != nil {
				return fmt.Errorf("%s.patterns: bad glob %q", at, g)
			}
		}
		for _, g := range r.Ignore {
			if _, err := path.Match(g, "probe"); err != nil {
				return fmt.Errorf("%s.ignore: bad glob %q", at, g)
			}
		}
		if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
			return fmt.Errorf("%s: command must not be empty", at)
		}
		if r.Mode != "" {
			if _, err := gate.ParseMode(r.Mode); err != nil {
				return fmt.Errorf("%s.mode: %w", at, err)
			}
		}
		if _, err := ParseDurationField(at+".period", r.Period); err != nil {
			return err
		}
		if _, err := ParseDurationField(at+".timeout", r.Timeout); err != nil {
			return err
		}
		if r.MaxEventsPerSec < -1 {
			return fmt.Errorf("%s.max_events_per_sec must be >= -1", at)
		}
		for _, e := range r.Env {
			if !strings.Contains(e, "=") {
				return fmt.Errorf("%s.env: entry %q is not KEY=VALUE", at, e)
			}
		}
	}

	schedSeen := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		at := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%s.name must not be empty", at)
		}
		if _, dup := schedSeen[name]; dup {
			return fmt.Errorf("%s.name %q is not unique", at, name)
		}
		schedSeen[name] = struct{}{}
		rule := strings.TrimSpace(s.Rule)
		if rule == "" {
			return fmt.Errorf("%s.rule must not be empty", at)
		}
		if _, ok := seen[rule]; !ok {
			return fmt.Errorf("%s.rule %q does not match any rule", at, rule)
		}
		if strings.TrimSpace(s.Spec) == "" {
			return fmt.Errorf("%s.spec must not be empty", at)
		}
	}

	if c.Storage != nil {
		driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		switch driver {
		case "", "none", "sqlite":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use \"sqlite\" or \"none\")", c.Storage.Driver)
		}
		if driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.prune_after", c.Storage.PruneAfter); err != nil {
			return err
		}
	}

	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return fmt.Errorf("notify.token is required when notify.enabled is true")
		}
		if c.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify.enabled is true")
		}
		if c.Notify.RatePerSec < 0 {
			return fmt.Errorf("notify.rate_per_sec must be >= 0")
		}
		if c.Notify.QueueSize < 0 {
			return fmt.Errorf("notify.queue_size must be >= 0")
		}
		if _, err := ParseDurationField("notify.dedup_window", c.Notify.DedupWindow); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	return nil
}

// RuleNames returns the configured rule names in declaration order.
func (c *Config) RuleNames() []string {
	out := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, strings.TrimSpace(r.Name))
	}
	return out
}
