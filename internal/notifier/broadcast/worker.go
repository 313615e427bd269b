package broadcast

import (
	"context"
	"errors"
	"time"

	logx "worldwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	for {
		// stop wins over queued work
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			start := time.Now()
			err := s.deliver(ctx, t)
			s.record(t, err, time.Since(start))
		}
	}
}

func (s *Service) deliver(ctx context.Context, t task) error {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.DeliveryTimeout
	retry := s.cfg.RetryMax
	em := s.em
	s.mu.Unlock()

	if em == nil {
		return errNoDeliverer
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	var last error
	for attempt := 0; attempt <= retry; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		last = em.Deliver(dctx, t.delivery.Destination, t.delivery.Message)
		cancel()
		if last == nil || ctx.Err() != nil || attempt == retry {
			break
		}
		delay := time.Duration(200+100*attempt) * time.Millisecond
		s.log.Debug("delivery retry scheduled", logx.String("job", t.jobID),
			logx.String("destination", t.delivery.Destination), logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay), logx.Err(last))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if errors.Is(last, context.DeadlineExceeded) && ctx.Err() == nil {
		s.log.Warn("delivery timed out", logx.String("job", t.jobID),
			logx.String("destination", t.delivery.Destination), logx.Duration("timeout", timeout))
	}
	return last
}

// record applies one delivery outcome to its job and releases waiters once
// the job is complete.
func (s *Service) record(t task, err error, took time.Duration) {
	if err != nil {
		s.log.Warn("delivery failed",
			logx.String("job", t.jobID),
			logx.String("destination", t.delivery.Destination),
			logx.String("platform", t.delivery.Message.Platform),
			logx.String("entity", t.delivery.Message.EntityID),
			logx.Err(err))
	}

	// Observe before completion so Wait sees every observer call.
	if s.observer != nil {
		s.observer(Result{JobID: t.jobID, Delivery: t.delivery, Err: err, Took: took})
	}

	s.statusMu.Lock()
	js := s.jobs[t.jobID]
	var finished bool
	var st JobStatus
	if js != nil && !js.st.Finished() {
		js.st.Done++
		if err != nil {
			js.st.Failed++
			if len(js.st.Failures) < 200 {
				js.st.Failures = append(js.st.Failures, Failure{
					Destination: t.delivery.Destination,
					EntityID:    t.delivery.Message.EntityID,
					Err:         err.Error(),
				})
			}
		}
		if js.st.Finished() {
			js.st.DoneAt = time.Now()
			close(js.done)
			finished = true
			st = js.st
		}
	}
	s.statusMu.Unlock()

	if finished {
		fields := []logx.Field{
			logx.String("job", st.ID), logx.String("name", st.Name),
			logx.Int("total", st.Total), logx.Int("failed", st.Failed),
			logx.Duration("dur", st.DoneAt.Sub(st.CreatedAt)),
		}
		if st.Failed > 0 {
			s.log.Warn("job finished with failures", fields...)
		} else {
			s.log.Info("job finished", fields...)
		}
	}
}
