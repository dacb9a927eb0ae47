package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls how rule pulses are gated and executed.
	Engine EngineConfig `json:"engine"`

	// Storage controls the optional run-history persistence layer.
	// Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Notify controls the optional Telegram failure notifier.
	// Nil means disabled.
	Notify *NotifyConfig `json:"notify,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`

	// Rules bind filesystem watches to gated commands. The rule name is the
	// slot: all triggers for one rule collapse into that slot.
	Rules []RuleConfig `json:"rules"`

	// Schedules pulse existing rules on a cron/interval spec.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// EngineConfig controls rule execution defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - default_mode: "push"
//   - default_period: "500ms"
//   - default_timeout: "1m" ("0s" disables the command timeout)
//   - history_size: 200
//   - status_interval: "0s" (periodic status line disabled)
//   - timezone: "" (schedules run in the daemon's local time)
type EngineConfig struct {
	DefaultMode   string `json:"default_mode,omitempty"`
	DefaultPeriod string `json:"default_period,omitempty"`

	// DefaultTimeout bounds a rule command's runtime. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize    int    `json:"history_size,omitempty"`
	StatusInterval string `json:"status_interval,omitempty"`

	// Timezone is the IANA zone cron schedules are evaluated in,
	// e.g. "Asia/Jakarta". Invalid values fall back to local time.
	Timezone string `json:"timezone,omitempty"`
}

// RuleConfig binds watched paths to a command behind one slot.
//
// Mode, Period and Timeout fall back to the engine defaults when omitted.
// Patterns and Ignore are matched against event basenames with path.Match
// semantics; an empty Patterns list matches everything.
type RuleConfig struct {
	Name string `json:"name"`

	Watch     []string `json:"watch"`
	Recursive bool     `json:"recursive,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
	Ignore    []string `json:"ignore,omitempty"`

	// Mode is one of "push", "ignore", "cooldown".
	Mode   string `json:"mode,omitempty"`
	Period string `json:"period,omitempty"`

	Command []string `json:"command"`
	Dir     string   `json:"dir,omitempty"`
	// Env entries are appended to the daemon's environment, "KEY=VALUE".
	Env     []string `json:"env,omitempty"`
	Timeout string   `json:"timeout,omitempty"`

	// MaxEventsPerSec caps filesystem events fed into this rule's slot.
	// 0 applies the built-in default; -1 disables the limiter.
	MaxEventsPerSec int `json:"max_events_per_sec,omitempty"`
}

// ScheduleConfig pulses a rule's slot on a schedule.
//
// Spec accepts the forms understood by the trigger scheduler:
// "cron:*/5 * * * *", "interval:30s" (alias "every:"), "HH:MM", a bare
// 5/6-field cron line, or a bare Go duration.
type ScheduleConfig struct {
	Name string `json:"name"`
	Rule string `json:"rule"`
	Spec string `json:"spec"`
}

// StorageConfig controls the run-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotgate.db" }
type StorageConfig struct {
	// Driver is "sqlite" or "none"/"" (disabled).
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string

	// PruneAfter drops run rows older than this age ("0s" keeps everything).
	PruneAfter string `json:"prune_after,omitempty"`
}

// NotifyConfig controls the Telegram failure notifier.
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic; 0 sends to the chat itself.
	ThreadID int `json:"thread_id,omitempty"`

	// NotifyRecovery sends a follow-up message when a previously failing
	// rule succeeds again.
	NotifyRecovery bool `json:"notify_recovery,omitempty"`

	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"` // Go duration string
	QueueSize   int    `json:"queue_size,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
