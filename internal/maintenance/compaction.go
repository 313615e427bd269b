// Package maintenance runs scheduled tracker housekeeping.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"worldwatch/internal/eventbus"
	"worldwatch/internal/storage"
	logx "worldwatch/pkg/logx"
)

var ErrNotCompactable = errors.New("tracker has no compaction")

// Parser accepts standard five-field specs, an optional seconds field and
// descriptors such as "@hourly" or "@every 30m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Stats is a point-in-time view of the compaction schedule.
type Stats struct {
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitzero"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

// Compaction calls Compact on the tracker on a cron schedule. Runs never
// overlap; a tick that lands while a run is in progress is skipped.
type Compaction struct {
	target  storage.Compactor
	tag     string
	timeout time.Duration
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	spec    string
	entry   cron.EntryID
	running atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// New returns nil, ErrNotCompactable when tr has no housekeeping to do.
// tag seeds the first-run spread for interval schedules.
func New(tr storage.Tracker, tag string, bus eventbus.Bus, log logx.Logger) (*Compaction, error) {
	cp, ok := tr.(storage.Compactor)
	if !ok {
		return nil, ErrNotCompactable
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Compaction{
		target:  cp,
		tag:     tag,
		timeout: 2 * time.Minute,
		bus:     bus,
		log:     log.With(logx.String("comp", "compaction")),
	}, nil
}

// Start begins triggering with spec; an empty spec leaves the schedule idle
// until Apply.
func (m *Compaction) Start(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	m.c = cron.New(cron.WithParser(Parser))
	if err := m.scheduleLocked(spec); err != nil {
		m.c = nil
		return err
	}
	m.c.Start()
	m.log.Info("compaction scheduler started", logx.String("spec", m.spec))
	return nil
}

// Apply swaps the schedule. The previous entry is kept when spec is invalid.
func (m *Compaction) Apply(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec = strings.TrimSpace(spec)
	if m.c == nil || spec == m.spec {
		return nil
	}
	old, oldSpec := m.entry, m.spec
	if err := m.scheduleLocked(spec); err != nil {
		return err
	}
	if old != 0 {
		m.c.Remove(old)
	}
	m.log.Info("compaction schedule changed", logx.String("from", oldSpec), logx.String("to", m.spec))
	return nil
}

func (m *Compaction) scheduleLocked(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		m.spec, m.entry = "", 0
		return nil
	}
	job := cron.FuncJob(func() { _ = m.RunNow(context.Background()) })

	if every, ok := strings.CutPrefix(spec, "@every"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && d > 0 {
			sched, jitter := intervalWithSpread(d, time.Now(), m.tag)
			m.entry = m.c.Schedule(sched, job)
			m.spec = spec
			m.log.Debug("compaction first run spread", logx.Duration("jitter", jitter))
			return nil
		}
	}
	id, err := m.c.AddJob(spec, job)
	if err != nil {
		return err
	}
	m.entry, m.spec = id, spec
	return nil
}

// RunNow compacts immediately unless a run is already in progress.
func (m *Compaction) RunNow(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Debug("compaction already running; skipped")
		return nil
	}
	defer m.running.Store(false)

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	err := m.target.Compact(cctx)
	took := time.Since(start)

	m.statsMu.Lock()
	m.stats.Runs++
	m.stats.LastRun = start
	m.stats.LastTook = took
	m.stats.LastErr = ""
	if err != nil {
		m.stats.Failures++
		m.stats.LastErr = err.Error()
	}
	m.statsMu.Unlock()

	if err != nil {
		m.log.Warn("tracker compaction failed", logx.Duration("took", took), logx.Err(err))
		return err
	}
	m.log.Debug("tracker compacted", logx.Duration("took", took))
	m.bus.Publish(eventbus.Event{Type: eventbus.TrackerCompacted, Data: took})
	return nil
}

func (m *Compaction) Stats() Stats {
	m.statsMu.Lock()
	st := m.stats
	m.statsMu.Unlock()

	m.mu.Lock()
	st.Spec = m.spec
	if m.c != nil && m.entry != 0 {
		st.Next = m.c.Entry(m.entry).Next
	}
	m.mu.Unlock()
	return st
}

// Stop halts triggering and waits for a running compaction within ctx.
func (m *Compaction) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.entry = 0
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("compaction scheduler stopped")
}
