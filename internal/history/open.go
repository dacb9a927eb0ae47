package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "slotgate/pkg/logx"
)

// Store is the minimal persistence API used by the engine.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, rule string, limit int) ([]Entry, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
