package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slotgate/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the rule names whose behavior changed (rule body or bound schedules).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Engine defaults
	if strings.TrimSpace(oldCfg.Engine.DefaultMode) != strings.TrimSpace(newCfg.Engine.DefaultMode) ||
		strings.TrimSpace(oldCfg.Engine.DefaultPeriod) != strings.TrimSpace(newCfg.Engine.DefaultPeriod) ||
		strings.TrimSpace(oldCfg.Engine.DefaultTimeout) != strings.TrimSpace(newCfg.Engine.DefaultTimeout) ||
		oldCfg.Engine.HistorySize != newCfg.Engine.HistorySize ||
		strings.TrimSpace(oldCfg.Engine.StatusInterval) != strings.TrimSpace(newCfg.Engine.StatusInterval) ||
		strings.TrimSpace(oldCfg.Engine.Timezone) != strings.TrimSpace(newCfg.Engine.Timezone) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.default_mode", strings.TrimSpace(newCfg.Engine.DefaultMode)),
			logx.String("engine.default_period", strings.TrimSpace(newCfg.Engine.DefaultPeriod)),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPrune, nPrune string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPrune = strings.TrimSpace(oldS.PruneAfter)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPrune = strings.TrimSpace(newS.PruneAfter)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPrune != nPrune || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Notify (never log token)
	oN := derefNotify(oldCfg.Notify)
	nN := derefNotify(newCfg.Notify)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notify.chat_set", nN.ChatID != 0),
			logx.Bool("notify.recovery", nN.NotifyRecovery),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Rules and schedules (summarize only; details at debug)
	rulesChanged := diffRules(oldCfg, newCfg)
	if len(rulesChanged) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.changed_count", len(rulesChanged)),
			logx.Int("rules.count", len(newCfg.Rules)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, rulesChanged
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

// diffRules reports the names of rules that were added, removed, or modified,
// including rules whose bound schedule specs changed.
func diffRules(oldCfg, newCfg *Config) []string {
	oldR := rulesByName(oldCfg.Rules)
	newR := rulesByName(newCfg.Rules)
	oldS := schedulesByRule(oldCfg.Schedules)
	newS := schedulesByRule(newCfg.Schedules)

	set := map[string]struct{}{}
	for k := range oldR {
		set[k] = struct{}{}
	}
	for k := range newR {
		set[k] = struct{}{}
	}
	for k := range oldS {
		set[k] = struct{}{}
	}
	for k := range newS {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldR[name]
		n, nOK := newR[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
			continue
		}
		if !reflect.DeepEqual(oldS[name], newS[name]) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}

func rulesByName(rules []RuleConfig) map[string]RuleConfig {
	m := make(map[string]RuleConfig, len(rules))
	for _, r := range rules {
		m[strings.TrimSpace(r.Name)] = r
	}
	return m
}

// schedulesByRule groups schedule specs by target rule, sorted for stable
// comparison.
func schedulesByRule(scheds []ScheduleConfig) map[string][]string {
	m := make(map[string][]string, len(scheds))
	for _, s := range scheds {
		rule := strings.TrimSpace(s.Rule)
		m[rule] = append(m[rule], strings.TrimSpace(s.Spec))
	}
	for _, specs := range m {
		sort.Strings(specs)
	}
	return m
}
