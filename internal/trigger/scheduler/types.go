package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "slotgate/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// PulseFunc delivers one trigger to the engine. The source string records
// what fired ("cron:<spec>"); drops and supersedes inside the engine are
// not errors.
type PulseFunc func(rule, source string) error

// Binding declares one schedule from config: when spec fires, pulse rule.
type Binding struct {
	Name string
	Rule string
	Spec string
}

type scheduleDef struct {
	name          string
	rule          string
	spec          string // raw config spec ("cron:...", "55m", ...)
	cronSpec      string // normalized robfig spec registered with cron
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for interval schedules
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	pulse PulseFunc

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Pulse error throttling: key is schedule name.
	pmu          sync.Mutex
	lastPulseErr map[string]time.Time
}

type ScheduleInfo struct {
	Name string
	Rule string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
}
