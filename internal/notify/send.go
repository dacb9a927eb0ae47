package notify

import (
	"context"
	"math/rand"
	"time"

	"slotgate/internal/eventbus"
	logx "slotgate/pkg/logx"
)

// sendWorker is the single delivery loop. One worker is enough: the
// rate limiter serializes sends anyway and ordering stays intact.
func (s *Service) sendWorker(ctx context.Context, queue <-chan job) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-queue:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j, rng)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job, rng *rand.Rand) {
	s.mu.Lock()
	snd := s.sender
	lim := s.limiter
	s.mu.Unlock()
	if snd == nil {
		s.failed.Add(1)
		return
	}

	var last error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				s.dropped.Add(1)
				return
			}
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := snd.Send(sctx, j.text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			eventbus.Emit(s.bus, "notify.sent", MessageEvent{Key: j.dedupKey})
			return
		}
		last = err
		if ctx.Err() != nil {
			break
		}
		if attempt < retryMax {
			wait := retryDelay(attempt, rng)
			s.log.Debug("notify retry scheduled",
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", wait),
				logx.Any("err", err))
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	s.failed.Add(1)
	s.log.Warn("notify.failed", logx.Any("err", last))
	eventbus.Emit(s.bus, "notify.failed", MessageEvent{Key: j.dedupKey, Error: errText(last)})
}

// retryDelay is exponential from retryBase with 0.7..1.3 jitter.
func retryDelay(attempt int, rng *rand.Rand) time.Duration {
	d := retryBase << attempt
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	jitter := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(d) * jitter)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
