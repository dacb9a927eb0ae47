package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"slotgate/internal/eventbus"
	"slotgate/internal/runtime/supervisor"
	logx "slotgate/pkg/logx"
)

var (
	// ErrDisabled is returned when the notifier is turned off or has no
	// sender to deliver through.
	ErrDisabled = errors.New("notifier disabled")
	// ErrStopped is returned when the notifier is not accepting messages.
	ErrStopped = errors.New("notifier stopped")
	// ErrQueueFull is returned when the bounded queue rejected a message.
	ErrQueueFull = errors.New("notifier queue full")
)

const (
	defaultRatePerSec = 3
	defaultQueueSize  = 512

	// dedupMaxEntries caps the dedup window map; beyond it the entry
	// closest to expiry is evicted.
	dedupMaxEntries = 2000

	sendTimeout   = 10 * time.Second
	retryMax      = 3
	retryBase     = 500 * time.Millisecond
	retryMaxDelay = 10 * time.Second
)

// Config carries notifier settings. Zero values pick defaults; QueueSize
// takes effect at Start.
type Config struct {
	Enabled bool

	// NotifyRecovery sends a follow-up when a previously failing rule
	// succeeds again.
	NotifyRecovery bool

	RatePerSec  int
	DedupWindow time.Duration // 0 disables dedup
	QueueSize   int
}

// Sender delivers one rendered message. Implementations must honor ctx.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// MessageEvent is the payload for notify.queued, notify.sent,
// notify.deduped, notify.dropped and notify.failed bus events.
type MessageEvent struct {
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
	Queue   int    `json:"queue"`

	// Failing lists rules whose last terminal run failed, sorted.
	Failing []string `json:"failing,omitempty"`
}

// Service owns the message pipeline: event consumption, dedup, queue,
// rate limiting and the delivery worker.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	sender Sender

	limiter *rate.Limiter

	started   bool
	accepting bool
	queue     chan job
	unsub     func()
	sup       *supervisor.Supervisor

	// sendWG guards in-flight enqueues so Stop can close the queue
	// without racing Notify.
	sendWG sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time // dedup key -> window expiry

	fmu     sync.Mutex
	failing map[string]bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	deduped atomic.Uint64
}

type job struct {
	text     string
	dedupKey string
	enqueued time.Time
}
