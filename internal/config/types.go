package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"worldwatch/internal/maintenance"
	"worldwatch/internal/subscription"
)

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Storage       StorageConfig       `json:"storage"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Emitter       EmitterConfig       `json:"emitter"`
	HTTP          HTTPConfig          `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator forwards warn+ lines to a chat through the emitter.
type LoggingOperator struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination"`
	MinLevel    string `json:"min_level,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// DispatchConfig holds the platform list and fan-out tuning.
//
// Durations are Go duration strings ("10s", "2m"). Platforms and shard_id
// need a restart to change; the rest is applied live.
type DispatchConfig struct {
	Platforms []string `json:"platforms"`
	ShardID   string   `json:"shard_id"`

	Workers         int     `json:"workers,omitempty"`
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	DeliveryTimeout string  `json:"delivery_timeout,omitempty"`
	CycleTimeout    string  `json:"cycle_timeout,omitempty"`
	PlatformQueue   int     `json:"platform_queue,omitempty"`
}

// StorageConfig selects the seen-id tracker.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/worldwatch.db", "compact_schedule": "@every 1h" }
type StorageConfig struct {
	Driver          string `json:"driver"`
	Path            string `json:"path,omitempty"`
	URL             string `json:"url,omitempty"`
	KeyPrefix       string `json:"key_prefix,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

// SubscriptionsConfig selects the subscriber lookup: rules listed inline or
// in a YAML file ("static"), or the settings database ("postgres").
type SubscriptionsConfig struct {
	Driver string              `json:"driver"`
	DSN    string              `json:"dsn,omitempty"`
	File   string              `json:"file,omitempty"`
	Static []subscription.Rule `json:"static,omitempty"`
}

type EmitterConfig struct {
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token          string `json:"token,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
}

// HTTPConfig controls the ingest and status API. A non-loopback addr needs
// ingest_token.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	IngestToken  string   `json:"ingest_token,omitempty"`
	Pprof        bool     `json:"pprof,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if len(c.Dispatch.Platforms) == 0 {
		errs = append(errs, errors.New("dispatch.platforms: at least one platform is required"))
	}
	if strings.TrimSpace(c.Dispatch.ShardID) == "" {
		errs = append(errs, errors.New("dispatch.shard_id is required"))
	}
	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	for field, raw := range map[string]string{
		"dispatch.delivery_timeout": c.Dispatch.DeliveryTimeout,
		"dispatch.cycle_timeout":    c.Dispatch.CycleTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"http.read_timeout":         c.HTTP.ReadTimeout,
		"http.write_timeout":        c.HTTP.WriteTimeout,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch d := lower(c.Storage.Driver); d {
	case "", "memory", "redis":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	if s := strings.TrimSpace(c.Storage.CompactSchedule); s != "" {
		if _, err := maintenance.Parser.Parse(s); err != nil {
			errs = append(errs, fmt.Errorf("storage.compact_schedule: %w", err))
		}
	}

	switch d := lower(c.Subscriptions.Driver); d {
	case "", "static":
		if len(c.Subscriptions.Static) > 0 {
			if _, err := subscription.NewStatic(c.Subscriptions.Static); err != nil {
				errs = append(errs, err)
			}
		}
	case "postgres":
		if strings.TrimSpace(c.Subscriptions.DSN) == "" {
			errs = append(errs, errors.New("subscriptions.dsn is required for driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("subscriptions.driver: unknown driver %q", d))
	}

	switch d := lower(c.Emitter.Driver); d {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(c.Emitter.Telegram.Token) == "" {
			errs = append(errs, errors.New("emitter.telegram.token is required for driver telegram"))
		}
	default:
		errs = append(errs, fmt.Errorf("emitter.driver: unknown driver %q", d))
	}

	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.IngestToken) == "" && !IsLoopbackAddr(c.HTTP.Addr) {
		errs = append(errs, errors.New("http.ingest_token is required when http.addr is not loopback"))
	}

	if c.Logging.Operator.Enabled && strings.TrimSpace(c.Logging.Operator.Destination) == "" {
		errs = append(errs, errors.New("logging.operator.destination is required when enabled"))
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback. An
// empty addr means the default 127.0.0.1 bind.
func IsLoopbackAddr(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return true
	}
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
