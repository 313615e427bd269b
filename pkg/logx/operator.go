package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers one operator log line to a destination.
type Sender interface {
	SendOperator(ctx context.Context, destination, text string) error
}

const (
	operatorQueue   = 256
	operatorTimeout = 10 * time.Second
	operatorMaxText = 3500
	operatorMaxVal  = 600
	// identical lines inside this window are suppressed
	repeatWindow = time.Minute
)

// Keys printed first, in this order, when present on an operator line.
var operatorKeyOrder = []string{"platform", "shard", "cycle", "category", "entity", "dest", "err"}

type OperatorStats struct {
	Sent       uint64
	Suppressed uint64
	Dropped    uint64
	Failed     uint64
}

type operatorLine struct {
	dest string
	text string
}

// operatorSink is a zerolog.LevelWriter that queues warn+ lines for a Sender.
// Writes never block the logging call.
type operatorSink struct {
	mu       sync.Mutex
	sender   Sender
	dest     string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	recent   map[string]time.Time

	queue  chan operatorLine
	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	sent, suppressed, dropped, failed atomic.Uint64
	now                               func() time.Time
}

func newOperatorSink(sender Sender) *operatorSink {
	return &operatorSink{
		sender: sender,
		recent: map[string]time.Time{},
		queue:  make(chan operatorLine, operatorQueue),
		now:    time.Now,
	}
}

func (o *operatorSink) setSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

func (o *operatorSink) apply(cfg OperatorConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.dest = strings.TrimSpace(cfg.Destination)
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()

	if cfg.Enabled {
		o.start.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			o.mu.Lock()
			o.cancel, o.done = cancel, done
			o.mu.Unlock()
			go o.run(ctx, done)
		})
	}
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *operatorSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				o.dropped.Add(1)
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, operatorTimeout)
			if err := sender.SendOperator(sctx, ln.dest, ln.text); err != nil {
				o.failed.Add(1)
			} else {
				o.sent.Add(1)
			}
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.InfoLevel, p) }

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	dest, lim, minLevel := o.dest, o.limiter, o.minLevel
	o.mu.Unlock()
	if dest == "" || lim == nil || level < minLevel {
		return len(p), nil
	}

	text, key := formatOperator(p)
	if text == "" || o.repeated(key) {
		return len(p), nil
	}
	if !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	select {
	case o.queue <- operatorLine{dest: dest, text: text}:
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

// repeated reports whether key was forwarded within repeatWindow, and
// records it otherwise.
func (o *operatorSink) repeated(key string) bool {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.recent[key]; ok && now.Sub(last) < repeatWindow {
		o.suppressed.Add(1)
		return true
	}
	if len(o.recent) > 1024 {
		for k, t := range o.recent {
			if now.Sub(t) >= repeatWindow {
				delete(o.recent, k)
			}
		}
	}
	o.recent[key] = now
	return false
}

func (o *operatorSink) stats() OperatorStats {
	return OperatorStats{
		Sent:       o.sent.Load(),
		Suppressed: o.suppressed.Load(),
		Dropped:    o.dropped.Load(),
		Failed:     o.failed.Load(),
	}
}

// formatOperator renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, dispatch keys first and the rest sorted.
// The returned key identifies the line for repeat folding; it leaves out the
// timestamp, caller and cycle id so one failure repeating every cycle folds.
func formatOperator(p []byte) (text, key string) {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, operatorMaxText), raw
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	delete(m, zerolog.CallerFieldName)

	keys := make([]string, 0, len(m))
	for _, k := range operatorKeyOrder {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !slices.Contains(operatorKeyOrder, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	keys = append(keys, rest...)

	var b, kb strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	kb.WriteString(b.String())
	for _, k := range keys {
		ln := fmt.Sprintf("\n- %s=%s", k, truncate(fmt.Sprint(m[k]), operatorMaxVal))
		b.WriteString(ln)
		if k != "cycle" {
			kb.WriteString(ln)
		}
	}
	return truncate(b.String(), operatorMaxText), kb.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
