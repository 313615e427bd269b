package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"worldwatch/internal/entity"
	"worldwatch/internal/notifier/broadcast"
)

var (
	ErrInvalidConfig   = errors.New("invalid dispatcher config")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrQueueFull       = errors.New("platform queue full")
	ErrStopped         = errors.New("dispatcher stopped")

	// Per-cycle failure kinds. The first two never abort a cycle.
	ErrResolve       = errors.New("resolving subscribers")
	ErrDelivery      = errors.New("delivering notification")
	ErrTrackerRead   = errors.New("reading seen ids")
	ErrTrackerCommit = errors.New("committing seen ids")
)

// Config is static for the life of a Dispatcher; only Broadcast rate and
// timeouts can change at runtime through Apply.
type Config struct {
	Platforms []string
	ShardID   string

	// PlatformQueue bounds snapshots waiting behind a running cycle.
	PlatformQueue int
	// CycleTimeout bounds one whole cycle including fan-out submission.
	CycleTimeout time.Duration

	Broadcast broadcast.Config
}

func (c Config) withDefaults() Config {
	if c.PlatformQueue <= 0 {
		c.PlatformQueue = 4
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	ps := make([]string, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		ps = append(ps, normPlatform(p))
	}
	c.Platforms = ps
	c.ShardID = strings.TrimSpace(c.ShardID)
	return c
}

// Validate checks the platform list and shard identity.
func (c Config) Validate() error {
	c = c.withDefaults()
	if len(c.Platforms) == 0 {
		return fmt.Errorf("%w: at least one platform is required", ErrInvalidConfig)
	}
	seen := map[string]struct{}{}
	for i, p := range c.Platforms {
		if p == "" {
			return fmt.Errorf("%w: platforms[%d] is empty", ErrInvalidConfig, i)
		}
		if strings.Contains(p, ":") {
			return fmt.Errorf("%w: platform %q must not contain ':'", ErrInvalidConfig, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate platform %q", ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}
	if c.ShardID == "" {
		return fmt.Errorf("%w: shard id is required", ErrInvalidConfig)
	}
	return nil
}

func normPlatform(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

// State is a platform worker's position in the cycle.
type State int32

const (
	StateIdle State = iota
	StateClassifying
	StateCommitting
	StateFanningOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateClassifying:
		return "CLASSIFYING"
	case StateCommitting:
		return "COMMITTING"
	case StateFanningOut:
		return "FANNING_OUT"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID  string                  `json:"cycle_id"`
	Platform string                  `json:"platform"`
	Shard    string                  `json:"shard"`
	Started  time.Time               `json:"started"`
	Duration time.Duration           `json:"duration"`
	Observed int                     `json:"observed"`
	Eligible map[entity.Category]int `json:"eligible"`

	// Skipped counts eligible entities whose subscribers could not be resolved.
	Skipped    int `json:"skipped"`
	Deliveries int `json:"deliveries"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`

	// Aborted is set when the cycle stopped before committing.
	Aborted bool `json:"aborted"`
	// Errors lists every failure seen during the cycle. For an aborted cycle
	// the first entry is the abort cause.
	Errors []error `json:"-"`
}

// Err joins the report's errors; nil for a clean cycle.
func (r CycleReport) Err() error { return errors.Join(r.Errors...) }

// ErrorStrings is the JSON-friendly form of Errors.
func (r CycleReport) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}
