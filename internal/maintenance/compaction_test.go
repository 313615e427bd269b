package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"worldwatch/internal/eventbus"
	"worldwatch/internal/storage"
	logx "worldwatch/pkg/logx"
)

type fakeTracker struct {
	storage.Tracker
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeTracker) Compact(ctx context.Context) error {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestNewRejectsPlainTracker(t *testing.T) {
	if _, err := New(storage.NewMemory(), "pc", nil, logx.Nop()); !errors.Is(err, ErrNotCompactable) {
		t.Fatalf("expected ErrNotCompactable, got %v", err)
	}
}

func TestRunNowRecordsStatsAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	ft := &fakeTracker{}
	m, err := New(ft, "0", bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.TrackerCompacted {
			t.Fatalf("event: %+v", e)
		}
	default:
		t.Fatalf("expected compaction event")
	}

	ft.err = errors.New("disk full")
	if err := m.RunNow(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	st := m.Stats()
	if st.Runs != 2 || st.Failures != 1 || st.LastErr != "disk full" {
		t.Fatalf("stats: %+v", st)
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	ft := &fakeTracker{block: make(chan struct{})}
	m, _ := New(ft, "0", nil, logx.Nop())

	done := make(chan struct{})
	go func() {
		_ = m.RunNow(context.Background())
		close(done)
	}()
	for ft.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := m.RunNow(context.Background()); err != nil {
		t.Fatalf("overlapping run: %v", err)
	}
	close(ft.block)
	<-done
	if n := ft.calls.Load(); n != 1 {
		t.Fatalf("expected 1 compaction, got %d", n)
	}
}

func TestScheduleTriggersAndApply(t *testing.T) {
	ft := &fakeTracker{}
	m, _ := New(ft, "0", nil, logx.Nop())
	if err := m.Start("* * * * * *"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for ft.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("schedule never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := m.Apply("not a schedule"); err == nil {
		t.Fatalf("expected parse error")
	}
	if st := m.Stats(); st.Spec != "* * * * * *" {
		t.Fatalf("bad spec must keep the previous schedule: %+v", st)
	}
	if err := m.Apply("@every 1h"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	st := m.Stats()
	if st.Spec != "@every 1h" || time.Until(st.Next) < 59*time.Minute {
		t.Fatalf("stats after apply: %+v", st)
	}
}

func TestIntervalSpreadFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "pc")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter out of range: %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first run %v, want %v", first, want)
	}
	// later runs follow cron.Every, which drops sub-second precision
	if next := sched.Next(first); !next.Equal(first.Add(time.Minute).Truncate(time.Second)) {
		t.Fatalf("second run %v", next)
	}
}
