package app

import (
	"fmt"
	"strings"
	"time"

	"slotgate/internal/engine"
	"slotgate/internal/trigger/scheduler"
	"slotgate/internal/trigger/watch"
	"slotgate/pkg/gate"
)

// Built-in engine defaults, applied when the config omits a field.
// An explicit "0s" is honored as zero, which is why empty and zero are
// distinguished here instead of going through parseDurationOrDefault.
const (
	defaultRulePeriod  = 500 * time.Millisecond
	defaultRuleTimeout = 1 * time.Minute
)

type ruleDefaults struct {
	mode    gate.Mode
	period  time.Duration
	timeout time.Duration
}

func mapRuleDefaults(cfg *Config) (ruleDefaults, error) {
	d := ruleDefaults{mode: gate.Push, period: defaultRulePeriod, timeout: defaultRuleTimeout}
	if cfg == nil {
		return d, nil
	}
	if raw := strings.TrimSpace(cfg.Engine.DefaultMode); raw != "" {
		mode, err := gate.ParseMode(raw)
		if err != nil {
			return d, fmt.Errorf("engine.default_mode: %w", err)
		}
		d.mode = mode
	}
	if raw := strings.TrimSpace(cfg.Engine.DefaultPeriod); raw != "" {
		p, err := parseDurationField("engine.default_period", raw)
		if err != nil {
			return d, err
		}
		d.period = p
	}
	if raw := strings.TrimSpace(cfg.Engine.DefaultTimeout); raw != "" {
		t, err := parseDurationField("engine.default_timeout", raw)
		if err != nil {
			return d, err
		}
		d.timeout = t
	}
	return d, nil
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	var out engine.Config
	if cfg == nil {
		return out, nil
	}
	out.HistorySize = cfg.Engine.HistorySize
	iv, err := parseDurationField("engine.status_interval", cfg.Engine.StatusInterval)
	if err != nil {
		return out, err
	}
	out.StatusInterval = iv
	return out, nil
}

// mapEngineRules resolves each rule against the engine defaults.
func mapEngineRules(cfg *Config) ([]engine.Rule, error) {
	if cfg == nil {
		return nil, nil
	}
	defs, err := mapRuleDefaults(cfg)
	if err != nil {
		return nil, err
	}

	out := make([]engine.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		at := fmt.Sprintf("rules[%d]", i)
		r := engine.Rule{
			Name:    strings.TrimSpace(rc.Name),
			Mode:    defs.mode,
			Period:  defs.period,
			Timeout: defs.timeout,
			Command: append([]string(nil), rc.Command...),
			Dir:     strings.TrimSpace(rc.Dir),
			Env:     append([]string(nil), rc.Env...),
		}
		if raw := strings.TrimSpace(rc.Mode); raw != "" {
			mode, err := gate.ParseMode(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.mode: %w", at, err)
			}
			r.Mode = mode
		}
		if raw := strings.TrimSpace(rc.Period); raw != "" {
			p, err := parseDurationField(at+".period", raw)
			if err != nil {
				return nil, err
			}
			r.Period = p
		}
		if raw := strings.TrimSpace(rc.Timeout); raw != "" {
			t, err := parseDurationField(at+".timeout", raw)
			if err != nil {
				return nil, err
			}
			r.Timeout = t
		}
		out = append(out, r)
	}
	return out, nil
}

func mapWatchRules(cfg *Config) []watch.Rule {
	if cfg == nil {
		return nil
	}
	out := make([]watch.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		out = append(out, watch.Rule{
			Name:            strings.TrimSpace(rc.Name),
			Paths:           append([]string(nil), rc.Watch...),
			Recursive:       rc.Recursive,
			Patterns:        append([]string(nil), rc.Patterns...),
			Ignore:          append([]string(nil), rc.Ignore...),
			MaxEventsPerSec: rc.MaxEventsPerSec,
		})
	}
	return out
}

func mapScheduleBindings(cfg *Config) []scheduler.Binding {
	if cfg == nil {
		return nil
	}
	out := make([]scheduler.Binding, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		out = append(out, scheduler.Binding{
			Name: strings.TrimSpace(sc.Name),
			Rule: strings.TrimSpace(sc.Rule),
			Spec: strings.TrimSpace(sc.Spec),
		})
	}
	return out
}
