package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"worldwatch/internal/config"
	"worldwatch/internal/emitter"
	"worldwatch/internal/httpapi"
	"worldwatch/internal/notifier"
	"worldwatch/internal/notifier/broadcast"
	"worldwatch/internal/render"
	"worldwatch/internal/storage"
	"worldwatch/internal/subscription"
	logx "worldwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:     l.Operator.Enabled,
			Destination: l.Operator.Destination,
			MinLevel:    l.Operator.MinLevel,
			RatePerSec:  l.Operator.RatePerSec,
		},
	}
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDurationOrDefault("dispatch.delivery_timeout", d.DeliveryTimeout, 10*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:         d.Workers,
		QueueSize:       d.QueueSize,
		RatePerSec:      d.RatePerSec,
		Burst:           d.Burst,
		DeliveryTimeout: timeout,
		RetryMax:        max(0, d.RetryMax),
	}, nil
}

// DispatchConfig maps the dispatch section onto the dispatcher config.
func DispatchConfig(cfg *config.Config) (notifier.Config, error) {
	bc, err := mapBroadcast(cfg)
	if err != nil {
		return notifier.Config{}, err
	}
	cycle, err := config.ParseDurationOrDefault("dispatch.cycle_timeout", cfg.Dispatch.CycleTimeout, 2*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	nc := notifier.Config{
		Platforms:     cfg.Dispatch.Platforms,
		ShardID:       cfg.Dispatch.ShardID,
		PlatformQueue: cfg.Dispatch.PlatformQueue,
		CycleTimeout:  cycle,
		Broadcast:     bc,
	}
	return nc, nc.Validate()
}

// StorageConfig maps the storage section onto the tracker config.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		KeyPrefix:   sc.KeyPrefix,
		BusyTimeout: busy,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         h.Addr,
		CORSOrigins:  h.CORSOrigins,
		IngestToken:  h.IngestToken,
		Pprof:        h.Pprof,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  60 * time.Second,
	}, nil
}

// openResolver returns the resolver and a close func for its resources.
func openResolver(ctx context.Context, cfg *config.Config) (subscription.Resolver, func(), error) {
	sc := cfg.Subscriptions
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "postgres":
		pool, err := subscription.ConnectPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return subscription.NewPostgres(pool), pool.Close, nil
	default:
		rules := append([]subscription.Rule(nil), sc.Static...)
		if f := strings.TrimSpace(sc.File); f != "" {
			fileRules, err := subscription.LoadStaticRules(f)
			if err != nil {
				return nil, nil, err
			}
			rules = append(rules, fileRules...)
		}
		st, err := subscription.NewStatic(rules)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

func openEmitter(cfg *config.Config, log logx.Logger) (emitter.Emitter, error) {
	ec := cfg.Emitter
	switch strings.ToLower(strings.TrimSpace(ec.Driver)) {
	case "telegram":
		return emitter.NewTelegram(emitter.TelegramConfig{
			Token:          ec.Telegram.Token,
			ParseMode:      ec.Telegram.ParseMode,
			DisablePreview: ec.Telegram.DisablePreview,
			APIURL:         ec.Telegram.APIURL,
		}, log)
	case "", "log":
		return emitter.NewLog(log), nil
	default:
		return nil, fmt.Errorf("unknown emitter.driver %q", ec.Driver)
	}
}

// operatorSender routes operator log lines through any emitter. Emitters
// with their own operator formatting are used directly.
func operatorSender(em emitter.Emitter) logx.Sender {
	if s, ok := em.(logx.Sender); ok {
		return s
	}
	return emitterSender{em: em}
}

type emitterSender struct{ em emitter.Emitter }

func (s emitterSender) SendOperator(ctx context.Context, destination, text string) error {
	return s.em.Deliver(ctx, destination, render.Message{Title: "operator", Body: text})
}
