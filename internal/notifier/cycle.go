package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worldwatch/internal/classify"
	"worldwatch/internal/entity"
	"worldwatch/internal/eventbus"
	"worldwatch/internal/notifier/broadcast"
	logx "worldwatch/pkg/logx"
)

func (d *Dispatcher) runCycle(ctx context.Context, pw *platformWorker, snap *entity.Snapshot) (CycleReport, error) {
	pw.cycleMu.Lock()
	defer pw.cycleMu.Unlock()
	defer pw.state.Store(int32(StateIdle))

	t0 := time.Now()
	started := d.now()
	rep := CycleReport{
		CycleID:  uuid.NewString(),
		Platform: pw.name,
		Shard:    d.cfg.ShardID,
		Started:  started,
		Eligible: map[entity.Category]int{},
	}
	log := d.log.With(logx.String("platform", pw.name), logx.String("cycle", rep.CycleID))

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CycleTimeout)
	defer cancel()

	abort := func(err error) (CycleReport, error) {
		rep.Aborted = true
		rep.Errors = append([]error{err}, rep.Errors...)
		rep.Duration = time.Since(t0)
		log.Error("cycle aborted", logx.Err(err), logx.Duration("dur", rep.Duration))
		d.metrics.cycles.WithLabelValues(pw.name, "aborted").Inc()
		d.finish(pw, rep)
		d.publish(eventbus.CycleAborted, rep)
		return rep, err
	}

	pw.state.Store(int32(StateClassifying))
	if err := snap.Validate(); err != nil {
		return abort(err)
	}
	seen, err := d.tracker.IDsSeen(ctx, pw.name, d.cfg.ShardID)
	if err != nil {
		return abort(fmt.Errorf("%w: %w", ErrTrackerRead, err))
	}
	res := classify.Classify(snap, seen, d.now())
	rep.Observed = res.Observed.Len()
	rep.Eligible = res.Counts()

	pw.state.Store(int32(StateCommitting))
	if err := d.tracker.Commit(ctx, pw.name, d.cfg.ShardID, res.Observed); err != nil {
		return abort(fmt.Errorf("%w: %w", ErrTrackerCommit, err))
	}
	d.metrics.seenIDs.WithLabelValues(pw.name).Set(float64(rep.Observed))
	for c, n := range rep.Eligible {
		d.metrics.eligible.WithLabelValues(pw.name, c.String()).Add(float64(n))
	}

	pw.state.Store(int32(StateFanningOut))
	d.fanOut(ctx, log, pw, res, &rep)

	rep.Duration = time.Since(t0)
	d.metrics.cycles.WithLabelValues(pw.name, "ok").Inc()
	d.metrics.duration.WithLabelValues(pw.name).Observe(rep.Duration.Seconds())
	fields := []logx.Field{
		logx.Int("observed", rep.Observed),
		logx.Int("eligible", res.Len()),
		logx.Int("deliveries", rep.Deliveries),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.Duration),
	}
	if rep.Failed > 0 || rep.Skipped > 0 {
		log.Warn("cycle finished with failures", fields...)
	} else {
		log.Info("cycle finished", fields...)
	}
	d.finish(pw, rep)
	d.publish(eventbus.CycleCompleted, rep)
	return rep, nil
}

func (d *Dispatcher) finish(pw *platformWorker, rep CycleReport) {
	pw.last.Store(&rep)
}

// fanOut resolves subscribers per eligible entity and hands every delivery
// to the platform's pool as one job, then waits for the job within the cycle
// deadline.
func (d *Dispatcher) fanOut(ctx context.Context, log logx.Logger, pw *platformWorker, res classify.Result, rep *CycleReport) {
	platform := pw.name
	now := d.now()
	var deliveries []broadcast.Delivery
	for _, it := range res.Items() {
		dests, err := d.resolver.Resolve(ctx, it.Category, platform, it.Entity.RewardTypes())
		if err != nil {
			err = fmt.Errorf("%w: %s %s: %w", ErrResolve, it.Category, it.Entity.ID(), err)
			log.Warn("resolver failed; entity skipped",
				logx.String("category", it.Category.String()),
				logx.String("entity", it.Entity.ID()),
				logx.Err(err))
			rep.Skipped++
			rep.Errors = append(rep.Errors, err)
			continue
		}
		if len(dests) == 0 {
			log.Debug("no subscribers", logx.String("category", it.Category.String()), logx.String("entity", it.Entity.ID()))
			continue
		}
		msg := d.render(platform, it.Entity, now)
		for _, dst := range dests {
			deliveries = append(deliveries, broadcast.Delivery{Destination: dst.ID, Message: msg.WithPing(dst.Ping)})
		}
	}
	rep.Deliveries = len(deliveries)
	if len(deliveries) == 0 {
		return
	}

	id, err := pw.pool.Submit(ctx, platform+":"+rep.CycleID, deliveries)
	if err != nil {
		log.Warn("fan-out submission incomplete", logx.String("job", id), logx.Err(err))
	}
	st, err := pw.pool.Wait(ctx, id)
	if err != nil {
		// Deliveries still in flight finish in the pool under their own timeout.
		log.Warn("cycle deadline reached during fan-out", logx.String("job", id), logx.Int("done", st.Done), logx.Int("total", st.Total))
		rep.Errors = append(rep.Errors, fmt.Errorf("%w: fan-out incomplete: %w", ErrDelivery, err))
	}
	rep.Failed = st.Failed
	rep.Delivered = st.Done - st.Failed
	for _, f := range st.Failures {
		rep.Errors = append(rep.Errors, fmt.Errorf("%w: %s to %s: %s", ErrDelivery, f.EntityID, f.Destination, f.Err))
	}
}

// observeDelivery runs on pool workers for every attempt.
func (d *Dispatcher) observeDelivery(r broadcast.Result) {
	platform := r.Delivery.Message.Platform
	data := map[string]any{
		"job":         r.JobID,
		"platform":    platform,
		"category":    r.Delivery.Message.Category.String(),
		"entity":      r.Delivery.Message.EntityID,
		"destination": r.Delivery.Destination,
	}
	if r.Err != nil {
		d.metrics.deliveries.WithLabelValues(platform, "failed").Inc()
		data["error"] = fmt.Errorf("%w: %w", ErrDelivery, r.Err).Error()
		d.publish(eventbus.DeliveryFailed, data)
		return
	}
	d.metrics.deliveries.WithLabelValues(platform, "ok").Inc()
	d.publish(eventbus.DeliverySent, data)
}
