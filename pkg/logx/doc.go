// Package logx configures slotgate's structured logging.
//
// logx.Logger is a thin wrapper over zerolog carrying pre-bound fields.
// The Service owns the sinks: a readable console writer, an optional
// JSON file, and a stdout JSON fallback when both are off. Levels and
// sinks swap at runtime through Service.Apply, so a config reload
// retargets logging without invalidating loggers components already hold.
package logx
