package storage

import (
	"context"
	"sync"

	"worldwatch/internal/entity"
)

// memoryStore keeps committed sets in process memory. Sets are copied on the
// way in and out so callers never share backing arrays with the store.
type memoryStore struct {
	mu     sync.RWMutex
	sets   map[string][]string
	closed bool
}

// NewMemory returns a process-local tracker.
func NewMemory() Tracker {
	return &memoryStore{sets: map[string][]string{}}
}

func (s *memoryStore) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	if err := ctx.Err(); err != nil {
		return entity.IDSet{}, err
	}
	key, err := Key(platform, shard)
	if err != nil {
		return entity.IDSet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return entity.IDSet{}, ErrClosed
	}
	return entity.NewIDSet(s.sets[key]...), nil
}

func (s *memoryStore) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := Key(platform, shard)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sets[key] = ids.Slice()
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
