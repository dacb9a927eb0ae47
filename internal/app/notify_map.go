package app

import (
	"fmt"
	"strings"
	"time"

	"slotgate/internal/notify"
	logx "slotgate/pkg/logx"
)

// mapNotifyConfig maps the JSON config into the runtime notify config.
// An explicit dedup_window of "0s" disables dedup; omitting it applies
// the one-minute default.
func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	var out notify.Config
	if cfg == nil || cfg.Notify == nil {
		return out, nil
	}
	n := cfg.Notify
	out.Enabled = n.Enabled
	out.NotifyRecovery = n.NotifyRecovery
	out.RatePerSec = n.RatePerSec
	out.QueueSize = n.QueueSize

	out.DedupWindow = 1 * time.Minute
	if raw := strings.TrimSpace(n.DedupWindow); raw != "" {
		w, err := parseDurationField("notify.dedup_window", raw)
		if err != nil {
			return notify.Config{}, err
		}
		out.DedupWindow = w
	}
	return out, nil
}

// buildSender constructs the Telegram sender from config. A broken or
// absent sender configuration degrades to nil: the notifier keeps running
// (it still tracks failing rules) but delivery stays disabled.
func buildSender(cfg *Config, log logx.Logger) notify.Sender {
	if cfg == nil || cfg.Notify == nil || !cfg.Notify.Enabled {
		return nil
	}
	snd, err := notify.NewTelegramSender(cfg.Notify.Token, cfg.Notify.ChatID, cfg.Notify.ThreadID)
	if err != nil {
		log.Warn("telegram sender unavailable; notifications stay disabled", logx.Any("err", err))
		return nil
	}
	return snd
}

// senderIdentity captures the fields that force a sender rebuild on
// reload. Never log the result; it embeds the token.
func senderIdentity(cfg *Config) string {
	if cfg == nil || cfg.Notify == nil {
		return ""
	}
	n := cfg.Notify
	return fmt.Sprintf("%v|%s|%d|%d", n.Enabled, strings.TrimSpace(n.Token), n.ChatID, n.ThreadID)
}
