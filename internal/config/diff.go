package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "worldwatch/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists top-level sections that differ, sorted.
	Sections []string
	// Restart lists changed fields that only take effect after a restart.
	Restart []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if !reflect.DeepEqual(od, nd) {
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Fields = append(ch.Fields,
			logx.Int("dispatch.workers", nd.Workers),
			logx.Any("dispatch.rate_per_sec", nd.RatePerSec),
			logx.Int("dispatch.retry_max", nd.RetryMax),
			logx.String("dispatch.delivery_timeout", nd.DeliveryTimeout),
		)
		if !slices.Equal(normList(od.Platforms), normList(nd.Platforms)) {
			ch.Restart = append(ch.Restart, "dispatch.platforms")
		}
		if strings.TrimSpace(od.ShardID) != strings.TrimSpace(nd.ShardID) {
			ch.Restart = append(ch.Restart, "dispatch.shard_id")
		}
		if od.Workers != nd.Workers {
			ch.Restart = append(ch.Restart, "dispatch.workers")
		}
		if od.QueueSize != nd.QueueSize {
			ch.Restart = append(ch.Restart, "dispatch.queue_size")
		}
		if od.PlatformQueue != nd.PlatformQueue {
			ch.Restart = append(ch.Restart, "dispatch.platform_queue")
		}
		if od.CycleTimeout != nd.CycleTimeout {
			ch.Restart = append(ch.Restart, "dispatch.cycle_timeout")
		}
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(ost, nst) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nst.URL) != ""),
			logx.String("storage.compact_schedule", nst.CompactSchedule),
		)
		ost.CompactSchedule, nst.CompactSchedule = "", ""
		if ost != nst {
			ch.Restart = append(ch.Restart, "storage")
		}
	}

	if !reflect.DeepEqual(oldCfg.Subscriptions, newCfg.Subscriptions) {
		ch.Sections = append(ch.Sections, "subscriptions")
		ch.Fields = append(ch.Fields,
			logx.String("subscriptions.driver", newCfg.Subscriptions.Driver),
			logx.Int("subscriptions.static_rules", len(newCfg.Subscriptions.Static)),
		)
		ch.Restart = append(ch.Restart, "subscriptions")
	}

	if !reflect.DeepEqual(oldCfg.Emitter, newCfg.Emitter) {
		ch.Sections = append(ch.Sections, "emitter")
		ch.Fields = append(ch.Fields,
			logx.String("emitter.driver", newCfg.Emitter.Driver),
			logx.Bool("emitter.telegram.token_set", strings.TrimSpace(newCfg.Emitter.Telegram.Token) != ""),
		)
		ch.Restart = append(ch.Restart, "emitter")
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		ch.Sections = append(ch.Sections, "http")
		ch.Fields = append(ch.Fields,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.ingest_token_set", strings.TrimSpace(newCfg.HTTP.IngestToken) != ""),
		)
		ch.Restart = append(ch.Restart, "http")
	}

	sort.Strings(ch.Sections)
	return ch
}

func normList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
