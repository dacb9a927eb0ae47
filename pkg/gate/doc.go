// Package gate coalesces bursts of work into single executions, keyed by slot.
//
// A slot is a named unit of mutual exclusion: at most one handler runs per
// slot at any time, and at most one invocation is pending. Callers declare
// how new work meets work already in flight:
//
//   - Push supersedes whatever is pending and restarts the delay window.
//   - Ignore is dropped unless the slot is completely idle.
//   - Cooldown delays until a per-slot quiet period has passed, then
//     behaves like Ignore.
//
// Dropped and superseded invocations end silently; the registry reports
// errors only for invalid arguments, a dead caller context, and whatever
// the handler itself returns.
package gate
