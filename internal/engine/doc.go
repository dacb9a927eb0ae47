// Package engine executes rule commands behind named gate slots.
//
// A pulse names a rule and a source ("watch:<path>", "cron:<spec>"). The
// engine resolves the rule's mode and period, admits the pulse through the
// slot registry (push supersedes, ignore drops, cooldown spaces firings),
// and runs the rule's command, publishing run lifecycle events on the bus
// and recording bounded in-memory plus optional sqlite history.
//
// Pulses are fire-and-forget: Pulse returns once the invocation is handed
// to a supervised goroutine. Drops and supersedes inside the gate are
// silent; they surface only as per-rule counters.
package engine
