// Package app wires configuration, logging, the seen-id tracker, the
// subscriber lookup, the emitter and the dispatcher into one host process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"worldwatch/internal/config"
	"worldwatch/internal/emitter"
	"worldwatch/internal/eventbus"
	"worldwatch/internal/httpapi"
	"worldwatch/internal/maintenance"
	"worldwatch/internal/notifier"
	rtsup "worldwatch/internal/runtime/supervisor"
	"worldwatch/internal/storage"
	"worldwatch/internal/subscription"
	logx "worldwatch/pkg/logx"
	"worldwatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	tracker  storage.Tracker
	resolver subscription.Resolver
	closeRes func()
	em       emitter.Emitter

	disp    *notifier.Dispatcher
	api     *httpapi.Service
	compact *maintenance.Compaction
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a, err := build(ctx, cfgm, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	// The emitter doubles as the operator log sink; it is attached below.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	a = &App{
		cfgm: cfgm,
		logs: logSvc,
		log:  log.With(logx.String("comp", "app")),
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sc, err := StorageConfig(cfg)
	if err != nil {
		return a, err
	}
	if a.tracker, err = storage.Open(ctx, sc, log); err != nil {
		return a, fmt.Errorf("open tracker: %w", err)
	}
	if a.resolver, a.closeRes, err = openResolver(ctx, cfg); err != nil {
		return a, fmt.Errorf("open subscriptions: %w", err)
	}
	if a.em, err = openEmitter(cfg, log.With(logx.String("comp", "emitter"))); err != nil {
		return a, fmt.Errorf("open emitter: %w", err)
	}
	logSvc.SetSender(operatorSender(a.em))

	dc, err := DispatchConfig(cfg)
	if err != nil {
		return a, err
	}
	a.disp, err = notifier.New(dc, a.tracker, a.resolver, a.em, log,
		notifier.WithBus(a.bus),
		notifier.WithMetrics(notifier.NewMetrics(a.reg)),
	)
	if err != nil {
		return a, err
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTP(cfg)
		if err != nil {
			return a, err
		}
		a.api = httpapi.New(hc, a.disp, a.reg, log)
	}

	if spec := strings.TrimSpace(cfg.Storage.CompactSchedule); spec != "" {
		a.compact, err = maintenance.New(a.tracker, dc.ShardID, a.bus, log)
		if errors.Is(err, maintenance.ErrNotCompactable) {
			a.log.Warn("storage.compact_schedule ignored; driver has no compaction", logx.String("driver", sc.Driver))
			a.compact, err = nil, nil
		} else if err != nil {
			return a, err
		}
	}

	a.log.Info("app configured",
		logx.Strings("platforms", dc.Platforms),
		logx.String("shard", dc.ShardID),
		logx.String("storage", sc.Driver),
		logx.String("subscriptions", cfg.Subscriptions.Driver),
		logx.String("emitter", cfg.Emitter.Driver),
		logx.Bool("http", a.api != nil),
	)
	return a, nil
}

func (a *App) Dispatcher() *notifier.Dispatcher { return a.disp }

func (a *App) Registry() *prometheus.Registry { return a.reg }

// HTTPAddr is the API's bound address; empty when disabled or not started.
func (a *App) HTTPAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := DispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := StorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapHTTP(cfg)
		return err
	})

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}
	if a.compact != nil {
		if err := a.compact.Start(a.cfgm.Get().Storage.CompactSchedule); err != nil {
			return fmt.Errorf("compaction: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool {
			ds := a.disp.Supervisor()
			return ds != nil && ds.Context().Err() == nil
		})
	})

	_, _ = systemd.Ready()
	_, _ = systemd.Status(fmt.Sprintf("dispatching %s on shard %s",
		strings.Join(a.disp.Platforms(), ","), a.disp.Shard()))
	a.log.Info("app started", logx.String("http", a.HTTPAddr()))
	return nil
}

// applyConfig hot-applies logging, fan-out tuning and the compaction
// schedule; other changes are logged as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(next))

	if bc, err := mapBroadcast(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(bc)
	}
	if a.compact != nil {
		if err := a.compact.Apply(next.Storage.CompactSchedule); err != nil {
			a.log.Warn("invalid compaction schedule; keeping previous", logx.Err(err))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("fields", ch.Restart))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	_, _ = systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("compaction", 2*time.Second, func(c context.Context) error {
		if a.compact != nil {
			a.compact.Stop(c)
		}
		return nil
	})
	step("dispatcher", 5*time.Second, a.disp.Stop)
	step("resources", 2*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.closeRes != nil {
		a.closeRes()
		a.closeRes = nil
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.Warn("tracker close failed", logx.Err(err))
		}
		a.tracker = nil
	}
}
