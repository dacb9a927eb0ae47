package gate

import (
	"fmt"
	"strings"
)

// Mode selects how a Start call meets work already admitted to its slot.
type Mode int

const (
	// Push supersedes the slot's pending invocation (if any) and restarts
	// the delay window. The last push in a burst is the one that fires.
	Push Mode = iota
	// Ignore is admitted only if the slot is idle; otherwise the call is
	// dropped silently.
	Ignore
	// Cooldown stretches the delay so the handler cannot fire again until
	// period has passed since the slot's last firing, then behaves as
	// Ignore. An idle, never-fired slot fires immediately.
	Cooldown
)

func (m Mode) String() string {
	switch m {
	case Push:
		return "push"
	case Ignore:
		return "ignore"
	case Cooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps config spellings onto a Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return Push, nil
	case "ignore", "drop":
		return Ignore, nil
	case "cooldown", "cd":
		return Cooldown, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}
