package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"worldwatch/internal/classify"
	"worldwatch/internal/config"
	"worldwatch/internal/entity"
	"worldwatch/internal/eventbus"
	"worldwatch/internal/maintenance"
	"worldwatch/internal/render"
	"worldwatch/internal/storage"
	logx "worldwatch/pkg/logx"
)

// Offline helpers for the CLI. They share the config file with the daemon
// but start nothing.

// OpenTracker loads cfgPath and opens only its tracker.
func OpenTracker(ctx context.Context, cfgPath string, log logx.Logger) (storage.Tracker, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	sc, err := StorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	tr, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, nil, err
	}
	return tr, cfg, nil
}

// Preview classifies the snapshot at snapPath against the committed set for
// platform and renders what a cycle would send. Nothing is committed.
func Preview(ctx context.Context, cfgPath, platform, snapPath string, now time.Time) ([]render.Message, error) {
	tr, cfg, err := OpenTracker(ctx, cfgPath, logx.Nop())
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	f, err := os.Open(snapPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	snap, err := entity.DecodeSnapshot(f)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	seen, err := tr.IDsSeen(ctx, platform, cfg.Dispatch.ShardID)
	if err != nil {
		return nil, fmt.Errorf("read seen ids: %w", err)
	}

	res := classify.Classify(snap, seen, now)
	out := make([]render.Message, 0, res.Len())
	for _, it := range res.Items() {
		out = append(out, render.Entity(platform, it.Entity, now))
	}
	return out, nil
}

// CompactNow runs one compaction of the configured tracker.
func CompactNow(ctx context.Context, cfgPath string, log logx.Logger) (maintenance.Stats, error) {
	tr, cfg, err := OpenTracker(ctx, cfgPath, log)
	if err != nil {
		return maintenance.Stats{}, err
	}
	defer tr.Close()
	c, err := maintenance.New(tr, cfg.Dispatch.ShardID, eventbus.Nop(), log)
	if err != nil {
		return maintenance.Stats{}, err
	}
	err = c.RunNow(ctx)
	return c.Stats(), err
}
