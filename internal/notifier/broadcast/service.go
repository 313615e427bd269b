package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"worldwatch/internal/emitter"
	"worldwatch/internal/runtime/supervisor"
	logx "worldwatch/pkg/logx"
)

func New(cfg Config, em emitter.Emitter, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		em:        em,
		log:       log.With(logx.String("comp", "broadcast")),
		limiter:   NewLimiter(cfg),
		queue:     make(chan task, cfg.QueueSize),
		jobs:      map[string]*jobState{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewLimiter builds the delivery limiter for cfg. Services sharing one
// through WithLimiter draw from a single emitter budget.
func NewLimiter(cfg Config) *rate.Limiter {
	cfg = cfg.withDefaults()
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Apply updates the rate limit in place, then the timeout and retry budget.
// Pool size and queue capacity only change on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.Burst = cfg.Burst
	s.cfg.DeliveryTimeout = cfg.DeliveryTimeout
	s.cfg.RetryMax = cfg.RetryMax
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending returns the number of queued, not yet started deliveries.
func (s *Service) Pending() int { return len(s.queue) }

// Start launches the worker pool under its own supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.stopCh = make(chan struct{})
	s.running = true
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.sup.Go0(fmt.Sprintf("broadcast.worker.%d", idx), func(ctx context.Context) {
			s.worker(ctx, idx)
		})
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("queue_cap", cap(s.queue)), logx.Any("rps", s.cfg.RatePerSec))
}

// Stop cancels the workers and fails every delivery still queued with
// ErrStopped so that waiters are released.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	err := sup.Stop(ctx)
	s.submitWG.Wait()
	drained := 0
	for {
		select {
		case t := <-s.queue:
			s.record(t, ErrStopped, 0)
			drained++
			continue
		default:
		}
		break
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)), logx.Int("drained", drained))
	return err
}
