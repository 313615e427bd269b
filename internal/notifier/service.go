package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"worldwatch/internal/emitter"
	"worldwatch/internal/entity"
	"worldwatch/internal/eventbus"
	"worldwatch/internal/notifier/broadcast"
	"worldwatch/internal/render"
	rtsup "worldwatch/internal/runtime/supervisor"
	"worldwatch/internal/storage"
	"worldwatch/internal/subscription"
	logx "worldwatch/pkg/logx"
)

// RenderFunc builds the message for one eligible entity.
type RenderFunc func(platform string, e entity.Entity, now time.Time) render.Message

type Option func(*Dispatcher)

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithRenderer(fn RenderFunc) Option { return func(d *Dispatcher) { d.render = fn } }

type platformWorker struct {
	name  string
	queue chan *entity.Snapshot
	// pool holds the platform's own fan-out workers and queue.
	pool *broadcast.Service
	// cycleMu serializes cycles for the platform, including direct RunCycle calls.
	cycleMu sync.Mutex
	state   atomic.Int32
	last    atomic.Pointer[CycleReport]
}

// Dispatcher runs dedup-and-dispatch cycles per platform.
type Dispatcher struct {
	cfg      Config
	tracker  storage.Tracker
	resolver subscription.Resolver
	bus      eventbus.Bus
	metrics  *Metrics
	log      logx.Logger
	now      func() time.Time
	render   RenderFunc

	platforms map[string]*platformWorker

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	started bool
	stopped bool
}

// New validates cfg and wires the dispatcher. Each platform gets its own
// fan-out pool; all pools deliver to em under one shared rate limit.
func New(cfg Config, tracker storage.Tracker, resolver subscription.Resolver, em emitter.Emitter, log logx.Logger, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil || resolver == nil || em == nil {
		return nil, fmt.Errorf("%w: tracker, resolver and emitter are required", ErrInvalidConfig)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		tracker:   tracker,
		resolver:  resolver,
		bus:       eventbus.Nop(),
		log:       log.With(logx.String("comp", "dispatcher"), logx.String("shard", cfg.ShardID)),
		now:       time.Now,
		render:    render.Entity,
		platforms: make(map[string]*platformWorker, len(cfg.Platforms)),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	lim := broadcast.NewLimiter(cfg.Broadcast)
	for _, p := range cfg.Platforms {
		pool := broadcast.New(cfg.Broadcast, em, log.With(logx.String("platform", p)),
			broadcast.WithLimiter(lim), broadcast.WithObserver(d.observeDelivery))
		d.platforms[p] = &platformWorker{
			name:  p,
			queue: make(chan *entity.Snapshot, cfg.PlatformQueue),
			pool:  pool,
		}
	}
	return d, nil
}

func (d *Dispatcher) Platforms() []string { return append([]string(nil), d.cfg.Platforms...) }

func (d *Dispatcher) Shard() string { return d.cfg.ShardID }

// Apply updates the fan-out rate limit, timeout and retry budget.
func (d *Dispatcher) Apply(cfg broadcast.Config) {
	for _, pw := range d.platforms {
		pw.pool.Apply(cfg)
	}
}

// Supervisor exposes worker health; nil before Start.
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Start launches one fan-out pool and one worker per platform.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	for _, name := range d.cfg.Platforms {
		pw := d.platforms[name]
		pw.pool.Start(ctx)
		d.sup.GoRestart("platform."+name, func(ctx context.Context) error {
			return d.runWorker(ctx, pw)
		})
	}
	d.started = true
	d.log.Info("dispatcher started", logx.Strings("platforms", d.cfg.Platforms))
	return nil
}

// Stop ends the platform workers, then their fan-out pools. Snapshots still
// queued are discarded.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	sup := d.sup
	d.mu.Unlock()

	err := sup.Stop(ctx)
	for _, name := range d.cfg.Platforms {
		if perr := d.platforms[name].pool.Stop(ctx); err == nil {
			err = perr
		}
	}
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) worker(platform string) (*platformWorker, error) {
	pw, ok := d.platforms[normPlatform(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return pw, nil
}

// OnNewData queues snap for the platform's worker and returns immediately.
func (d *Dispatcher) OnNewData(platform string, snap *entity.Snapshot) error {
	pw, err := d.worker(platform)
	if err != nil {
		d.log.Warn("snapshot for unknown platform dropped", logx.String("platform", platform))
		return err
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case pw.queue <- snap:
		d.metrics.queueDepth.WithLabelValues(pw.name).Set(float64(len(pw.queue)))
		return nil
	default:
		d.log.Warn("platform queue full; snapshot dropped", logx.String("platform", pw.name), logx.Int("queue_cap", cap(pw.queue)))
		return fmt.Errorf("%w: %s", ErrQueueFull, pw.name)
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, pw *platformWorker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-pw.queue:
			d.metrics.queueDepth.WithLabelValues(pw.name).Set(float64(len(pw.queue)))
			// Errors are logged and reported inside the cycle.
			_, _ = d.runCycle(ctx, pw, snap)
		}
	}
}

// State returns the platform worker's current state.
func (d *Dispatcher) State(platform string) (State, error) {
	pw, err := d.worker(platform)
	if err != nil {
		return StateIdle, err
	}
	return State(pw.state.Load()), nil
}

// LastReport returns the most recent finished cycle for the platform.
func (d *Dispatcher) LastReport(platform string) (CycleReport, bool) {
	pw, err := d.worker(platform)
	if err != nil {
		return CycleReport{}, false
	}
	r := pw.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// SeenIDs reads the committed set for the platform on this shard.
func (d *Dispatcher) SeenIDs(ctx context.Context, platform string) (entity.IDSet, error) {
	pw, err := d.worker(platform)
	if err != nil {
		return entity.IDSet{}, err
	}
	ids, err := d.tracker.IDsSeen(ctx, pw.name, d.cfg.ShardID)
	if err != nil {
		return entity.IDSet{}, fmt.Errorf("%w: %w", ErrTrackerRead, err)
	}
	return ids, nil
}

// RunCycle processes one snapshot synchronously. It waits for any cycle
// already running for the platform. Only cycle-aborting failures are
// returned; per-entity and per-destination failures are in the report.
func (d *Dispatcher) RunCycle(ctx context.Context, platform string, snap *entity.Snapshot) (CycleReport, error) {
	pw, err := d.worker(platform)
	if err != nil {
		return CycleReport{}, err
	}
	return d.runCycle(ctx, pw, snap)
}

func (d *Dispatcher) publish(typ string, data any) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}
