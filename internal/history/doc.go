// Package history persists finished runs so operators can answer
// "what ran, when, and how did it go" across daemon restarts.
//
// It currently supports:
//   - Run appends (one row per handler invocation)
//   - Recent-run queries per rule or across all rules
//   - Age-based pruning, opportunistic on append
package history
