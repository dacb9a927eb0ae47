package scheduler

import (
	"time"

	logx "slotgate/pkg/logx"
)

const pulseWarnThrottle = 5 * time.Second

// reportPulseError logs pulse failures with per-schedule throttling.
// Gate drops are silent inside the engine, so anything arriving here is a
// real failure (engine stopped, rule unbound) and can be bursty.
func (s *Service) reportPulseError(name string, err error) {
	if err == nil {
		return
	}

	now := time.Now()
	s.pmu.Lock()
	if s.lastPulseErr == nil {
		s.lastPulseErr = make(map[string]time.Time)
	}
	last := s.lastPulseErr[name]
	if !last.IsZero() && now.Sub(last) < pulseWarnThrottle {
		s.pmu.Unlock()
		return
	}
	s.lastPulseErr[name] = now
	s.pmu.Unlock()

	if s.log.IsZero() {
		return
	}
	s.log.Warn("schedule failed to pulse rule", logx.String("schedule", name), logx.Any("err", err))
}
