package broadcast

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worldwatch/internal/emitter"
	"worldwatch/internal/render"
	"worldwatch/internal/runtime/supervisor"
	logx "worldwatch/pkg/logx"
)

var (
	ErrNotRunning  = errors.New("broadcast: not running")
	ErrStopped     = errors.New("broadcast: stopped")
	ErrUnknownJob  = errors.New("broadcast: unknown job")
	errNoDeliverer = errors.New("broadcast: no emitter")
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec float64
	Burst      int
	// DeliveryTimeout bounds a single Deliver attempt.
	DeliveryTimeout time.Duration
	RetryMax        int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	c.RetryMax = max(c.RetryMax, 0)
	return c
}

// Delivery is one message for one destination.
type Delivery struct {
	Destination string
	Message     render.Message
}

type Failure struct {
	Destination string `json:"destination"`
	EntityID    string `json:"entity_id"`
	Err         string `json:"err"`
}

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

// Finished reports whether every delivery has been attempted.
func (st JobStatus) Finished() bool { return st.Done >= st.Total }

// Result is reported to the observer after each delivery.
type Result struct {
	JobID    string
	Delivery Delivery
	Err      error
	Took     time.Duration
}

type Option func(*Service)

// WithObserver registers a callback run on the worker goroutine after each
// delivery. It must not block.
func WithObserver(fn func(Result)) Option {
	return func(s *Service) { s.observer = fn }
}

// WithLimiter makes the service wait on l instead of a limiter of its own.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

type task struct {
	jobID    string
	delivery Delivery
}

type jobState struct {
	st   JobStatus
	done chan struct{}
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	em      emitter.Emitter
	log     logx.Logger
	limiter *rate.Limiter

	queue    chan task
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	running  bool
	submitWG sync.WaitGroup

	observer func(Result)

	statusMu  sync.Mutex
	jobs      map[string]*jobState
	statusMax int
	statusTTL time.Duration
}
