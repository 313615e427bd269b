package storage

import (
	"context"
	"fmt"
	"strings"

	logx "worldwatch/pkg/logx"
)

// Open initializes the configured tracker backend.
// An empty driver selects the in-memory tracker.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Tracker, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "tracker"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrDriver, driver)
	}
}
