// Package scheduler turns time into rule pulses (cron/interval).
//
// It is trigger-only: execution, gating and history belong to the engine.
// The scheduler is responsible only for:
//   - registering schedule definitions (upsert by name)
//   - computing next trigger times
//   - pulsing the bound rule when a schedule fires
package scheduler
