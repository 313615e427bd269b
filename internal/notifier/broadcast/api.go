package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	logx "worldwatch/pkg/logx"
)

// Submit enqueues one job. It blocks while the queue is full until ctx ends
// or the service stops; deliveries that could not be queued count as failed.
// The job id is returned even when an error is.
func (s *Service) Submit(ctx context.Context, name string, deliveries []Delivery) (string, error) {
	now := time.Now()
	id := "bc:" + uuid.NewString()
	js := &jobState{
		st:   JobStatus{ID: id, Name: name, Total: len(deliveries), CreatedAt: now},
		done: make(chan struct{}),
	}
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.jobs[id] = js
	if len(deliveries) == 0 {
		js.st.DoneAt = now
		close(js.done)
	}
	s.statusMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.failRest(id, deliveries, ErrNotRunning)
		return id, ErrNotRunning
	}
	stopCh := s.stopCh
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	for i, d := range deliveries {
		var err error
		select {
		case s.queue <- task{jobID: id, delivery: d}:
			continue
		case <-ctx.Done():
			err = ctx.Err()
		case <-stopCh:
			err = ErrStopped
		}
		s.log.Warn("job partially enqueued", logx.String("job", id), logx.String("name", name),
			logx.Int("queued", i), logx.Int("total", len(deliveries)), logx.Err(err))
		s.failRest(id, deliveries[i:], err)
		return id, fmt.Errorf("enqueue %s: %w", name, err)
	}
	s.log.Debug("job enqueued", logx.String("job", id), logx.String("name", name),
		logx.Int("total", len(deliveries)), logx.Int("queue_len", len(s.queue)))
	return id, nil
}

func (s *Service) failRest(id string, rest []Delivery, err error) {
	for _, d := range rest {
		s.record(task{jobID: id, delivery: d}, err, 0)
	}
}

// Wait blocks until every delivery of the job has been attempted.
func (s *Service) Wait(ctx context.Context, id string) (JobStatus, error) {
	s.statusMu.Lock()
	js := s.jobs[id]
	s.statusMu.Unlock()
	if js == nil {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	select {
	case <-js.done:
		st, _ := s.Status(id)
		return st, nil
	case <-ctx.Done():
		st, _ := s.Status(id)
		return st, ctx.Err()
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	js, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := js.st
	cp.Failures = append([]Failure(nil), js.st.Failures...)
	return cp, true
}

// pruneStatus drops finished jobs older than the TTL, then the oldest
// finished ones beyond statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, js := range s.jobs {
		if js.st.Finished() && now.Sub(js.st.CreatedAt) > s.statusTTL {
			delete(s.jobs, id)
		}
	}
	for len(s.jobs) > s.statusMax {
		var oldest string
		var oldestAt time.Time
		for id, js := range s.jobs {
			if !js.st.Finished() {
				continue
			}
			if oldest == "" || js.st.CreatedAt.Before(oldestAt) {
				oldest, oldestAt = id, js.st.CreatedAt
			}
		}
		if oldest == "" {
			return
		}
		delete(s.jobs, oldest)
	}
}
