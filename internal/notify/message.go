package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slotgate/internal/engine"
	"slotgate/internal/eventbus"
	logx "slotgate/pkg/logx"
)

const (
	// maxTextLen stays under Telegram's 4096 limit with headroom for
	// multi-byte runes; outputClamp bounds the quoted command output.
	maxTextLen  = 3500
	outputClamp = 1500
)

// consume watches run lifecycle events. Aborted runs are deliberately
// invisible here: a superseded command is normal operation.
func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleEvent(e)
		}
	}
}

func (s *Service) handleEvent(e eventbus.Event) {
	re, ok := e.Data.(engine.RunEvent)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TypeRunFailed:
		s.fmu.Lock()
		s.failing[re.Rule] = true
		s.fmu.Unlock()
		s.deliver(failureText(re))
	case eventbus.TypeRunFinished:
		s.fmu.Lock()
		wasFailing := s.failing[re.Rule]
		delete(s.failing, re.Rule)
		s.fmu.Unlock()
		if !wasFailing {
			return
		}
		s.mu.Lock()
		recovery := s.cfg.NotifyRecovery
		s.mu.Unlock()
		if recovery {
			s.deliver(recoveryText(re))
		}
	}
}

func (s *Service) deliver(text string) {
	err := s.Notify(text)
	switch {
	case err == nil:
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrStopped), errors.Is(err, ErrQueueFull):
		// Disabled is the configured state, stopped is shutdown, and a
		// full queue already warned.
	default:
		s.log.Debug("notify enqueue failed", logx.Any("err", err))
	}
}

func failureText(re engine.RunEvent) string {
	var b strings.Builder
	b.WriteString("rule failed: ")
	b.WriteString(re.Rule)
	if re.Source != "" {
		b.WriteString("\nsource: ")
		b.WriteString(re.Source)
	}
	fmt.Fprintf(&b, "\nexit %d after %s", re.ExitCode, fmtDur(re.Duration))
	if re.Error != "" {
		b.WriteString("\nerror: ")
		b.WriteString(re.Error)
	}
	if out := strings.TrimSpace(re.Output); out != "" {
		b.WriteString("\n\n")
		b.WriteString(tailClamp(out, outputClamp))
	}
	return headClamp(b.String(), maxTextLen)
}

func recoveryText(re engine.RunEvent) string {
	var b strings.Builder
	b.WriteString("rule recovered: ")
	b.WriteString(re.Rule)
	if re.Source != "" {
		b.WriteString("\nsource: ")
		b.WriteString(re.Source)
	}
	fmt.Fprintf(&b, "\nok after %s", fmtDur(re.Duration))
	return headClamp(b.String(), maxTextLen)
}

func fmtDur(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

// tailClamp keeps the end of s; command output is most useful there.
func tailClamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max:]
}

// headClamp keeps the beginning of s, where the message fields live.
func headClamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
