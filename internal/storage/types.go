package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"worldwatch/internal/entity"
)

var (
	ErrClosed  = errors.New("tracker closed")
	ErrBadKey  = errors.New("platform and shard are required")
	ErrDriver  = errors.New("unknown storage driver")
	ErrNoPath  = errors.New("storage.path is required")
	ErrNoRedis = errors.New("storage.url is required for redis driver")
)

// Config configures the tracker backend.
//
// Driver values: "memory" (default), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	URL         string        // redis
	KeyPrefix   string        // redis; default "worldwatch:notified:"
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Tracker records which entity ids were already observed per platform+shard.
type Tracker interface {
	// IDsSeen returns the committed set for the key. An unknown key yields an
	// empty set and no error.
	IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error)
	// Commit replaces the committed set for the key.
	Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error
	Close() error
}

// Compactor is implemented by backends with periodic housekeeping
// (journal folding, WAL checkpoints).
type Compactor interface {
	Compact(ctx context.Context) error
}

// Key is the persisted key for a platform+shard pair.
func Key(platform, shard string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(platform))
	s := strings.TrimSpace(shard)
	if p == "" || s == "" {
		return "", ErrBadKey
	}
	return p + ":" + s, nil
}
