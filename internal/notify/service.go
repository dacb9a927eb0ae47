package notify

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"slotgate/internal/eventbus"
	"slotgate/internal/runtime/supervisor"
	logx "slotgate/pkg/logx"
)

// New builds a notifier delivering through sender. sender may be nil
// (everything is ErrDisabled until SetSender); bus may be nil (no event
// consumption, Notify-only operation).
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		sender:  sender,
		dedup:   map[string]time.Time{},
		failing: map[string]bool{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates settings. Safe while running; QueueSize still takes
// effect at the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if s.limiter == nil || cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// SetSender swaps the delivery transport, e.g. after a token change.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start spawns the delivery worker and the bus consumer. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.queue = make(chan job, s.cfg.QueueSize)
	queue := s.queue

	var ch <-chan eventbus.Event
	if s.bus != nil {
		c, unsub := s.bus.Subscribe(64)
		ch = c
		s.unsub = unsub
	}

	s.sup.GoRestart("notify.send", func(ctx context.Context) error {
		return s.sendWorker(ctx, queue)
	})
	if ch != nil {
		s.sup.GoRestart("notify.events", func(ctx context.Context) error {
			return s.consume(ctx, ch)
		})
	}

	s.started = true
	s.accepting = true
	enabled := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()

	s.log.Info("notifier started", logx.Bool("enabled", enabled))
	return nil
}

// Stop drains the queue and waits for delivery to finish, bounded by
// ctx. New messages are rejected as soon as Stop begins.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.accepting = false
	sup := s.sup
	s.sup = nil
	unsub := s.unsub
	s.unsub = nil
	queue := s.queue
	s.mu.Unlock()

	// Closing the subscription ends the consumer; waiting out in-flight
	// enqueues makes closing the queue safe; the worker then drains the
	// closed queue and exits clean.
	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	func() {
		defer func() { _ = recover() }()
		close(queue)
	}()

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier did not drain cleanly", logx.Any("err", err))
		return err
	}
	s.log.Info("notifier stopped")
	return nil
}

// Notify queues one message for delivery. Deduped messages return nil;
// a full queue returns ErrQueueFull and drops the message.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	cfg := s.cfg
	snd := s.sender
	accepting := s.accepting
	s.mu.Unlock()

	if !cfg.Enabled || snd == nil {
		return ErrDisabled
	}
	if !accepting {
		return ErrStopped
	}

	key := ""
	if cfg.DedupWindow > 0 {
		key = dedupKey(text)
		if !s.dedupAllow(key, time.Now(), cfg.DedupWindow) {
			s.deduped.Add(1)
			eventbus.Emit(s.bus, "notify.deduped", MessageEvent{Key: key})
			s.log.Debug("notify deduped", logx.String("key", key))
			return nil
		}
	}

	s.sendWG.Add(1)
	defer s.sendWG.Done()
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	queue := s.queue
	s.mu.Unlock()

	select {
	case queue <- job{text: text, dedupKey: key, enqueued: time.Now()}:
		eventbus.Emit(s.bus, "notify.queued", MessageEvent{Key: key})
		return nil
	default:
		s.dropped.Add(1)
		eventbus.Emit(s.bus, "notify.dropped", MessageEvent{Key: key})
		s.log.Warn("notify queue full; message dropped")
		return ErrQueueFull
	}
}

// dedupAllow reports whether key is outside its window and records it.
func (s *Service) dedupAllow(key string, now time.Time, window time.Duration) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if exp, ok := s.dedup[key]; ok && now.Before(exp) {
		return false
	}
	for k, exp := range s.dedup {
		if now.After(exp) {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) >= dedupMaxEntries {
		var oldest string
		var oldestExp time.Time
		for k, exp := range s.dedup {
			if oldest == "" || exp.Before(oldestExp) {
				oldest = k
				oldestExp = exp
			}
		}
		if oldest != "" {
			delete(s.dedup, oldest)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Snapshot returns delivery counters and the failing-rule set.
func (s *Service) Snapshot() Stats {
	st := Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
	}
	s.mu.Lock()
	if s.queue != nil {
		st.Queue = len(s.queue)
	}
	s.mu.Unlock()

	s.fmu.Lock()
	for rule, bad := range s.failing {
		if bad {
			st.Failing = append(st.Failing, rule)
		}
	}
	s.fmu.Unlock()
	sort.Strings(st.Failing)
	return st
}
