package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"worldwatch/internal/entity"
	logx "worldwatch/pkg/logx"
)

const defaultRedisPrefix = "worldwatch:notified:"

// redisStore keeps each platform+shard set under one string key as a JSON
// array. SET replaces the value atomically.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Tracker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNoRedis
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	log.Debug("redis tracker opened", logx.String("addr", opts.Addr))
	return NewRedis(client, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client. An empty prefix selects the default.
func NewRedis(client *redis.Client, prefix string, log logx.Logger) Tracker {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	key, err := Key(platform, shard)
	if err != nil {
		return entity.IDSet{}, err
	}
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.NewIDSet(), nil
	}
	if err != nil {
		return entity.IDSet{}, err
	}
	var ids entity.IDSet
	if err := json.Unmarshal(raw, &ids); err != nil {
		return entity.IDSet{}, fmt.Errorf("decode ids for %s: %w", key, err)
	}
	return ids, nil
}

func (s *redisStore) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	key, err := Key(platform, shard)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, b, 0).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
