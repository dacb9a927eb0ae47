// Package notify turns run failures into Telegram messages.
//
// The service consumes run lifecycle events from the bus: run.failed
// produces a failure message, and the first run.finished after a
// failure produces a recovery message when that is enabled. Messages
// pass a dedup window, a bounded queue and a rate limiter before a
// single worker delivers them with retries, so a flapping rule cannot
// flood a chat or block the engine.
//
// Delivery is best effort: when the queue is full or the notifier is
// disabled, messages are counted and dropped, never buffered
// unboundedly.
package notify
