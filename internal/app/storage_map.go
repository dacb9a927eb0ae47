package app

import (
	"fmt"
	"strings"
	"time"

	"slotgate/internal/history"
)

// mapStorageConfig converts the JSON config into the history store config.
// The bool reports whether persistence is enabled at all.
func mapStorageConfig(cfg *Config) (history.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return history.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return history.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return history.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return history.Config{}, false, err
		}
		prune, err := parseDurationField("storage.prune_after", sc.PruneAfter)
		if err != nil {
			return history.Config{}, false, err
		}
		return history.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, PruneAfter: prune}, true, nil
	default:
		return history.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
