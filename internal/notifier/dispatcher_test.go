package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"worldwatch/internal/emitter"
	"worldwatch/internal/entity"
	"worldwatch/internal/eventbus"
	"worldwatch/internal/notifier/broadcast"
	"worldwatch/internal/storage"
	"worldwatch/internal/subscription"
	logx "worldwatch/pkg/logx"
)

type resolverFunc func(ctx context.Context, c entity.Category, platform string, tags []string) ([]subscription.Destination, error)

func (f resolverFunc) Resolve(ctx context.Context, c entity.Category, platform string, tags []string) ([]subscription.Destination, error) {
	return f(ctx, c, platform, tags)
}

// everyone subscribes "chan-<platform>" and "ops" to every category.
var everyone = resolverFunc(func(_ context.Context, _ entity.Category, platform string, _ []string) ([]subscription.Destination, error) {
	return []subscription.Destination{{ID: "chan-" + platform, Ping: "@" + platform}, {ID: "ops"}}, nil
})

type faultyTracker struct {
	storage.Tracker
	mu        sync.Mutex
	readErr   error
	commitErr error
	commits   int
}

func (f *faultyTracker) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return entity.IDSet{}, err
	}
	return f.Tracker.IDsSeen(ctx, platform, shard)
}

func (f *faultyTracker) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	f.mu.Lock()
	err := f.commitErr
	if err == nil {
		f.commits++
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Tracker.Commit(ctx, platform, shard, ids)
}

func alert(id string, rewards ...string) entity.Alert {
	return entity.Alert{Key: id, Mission: entity.Mission{Node: "Earth", Reward: entity.Reward{Items: rewards, Types: rewards}}}
}

func fissure(id string) entity.Fissure {
	return entity.Fissure{Key: id, Node: "Ose", MissionType: "Capture", Tier: "Lith", TierNum: 1}
}

func snapshot(alerts []entity.Alert, fissures []entity.Fissure) *entity.Snapshot {
	if alerts == nil {
		alerts = []entity.Alert{}
	}
	if fissures == nil {
		fissures = []entity.Fissure{}
	}
	return &entity.Snapshot{Alerts: alerts, Invasions: []entity.Invasion{}, Fissures: fissures}
}

type fixture struct {
	d       *Dispatcher
	tracker *faultyTracker
	rec     *emitter.Recorder
	bus     eventbus.Bus
	metrics *Metrics
}

func newFixture(t *testing.T, resolver subscription.Resolver) *fixture {
	t.Helper()
	return newFixtureWith(t, resolver, storage.NewMemory(),
		broadcast.Config{Workers: 4, RatePerSec: 1000, DeliveryTimeout: time.Second})
}

func newFixtureWith(t *testing.T, resolver subscription.Resolver, tracker storage.Tracker, bc broadcast.Config) *fixture {
	t.Helper()
	f := &fixture{
		tracker: &faultyTracker{Tracker: tracker},
		rec:     emitter.NewRecorder(),
		bus:     eventbus.New(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	cfg := Config{
		Platforms: []string{"pc", "PS4"},
		ShardID:   "0",
		Broadcast: bc,
	}
	d, err := New(cfg, f.tracker, resolver, f.rec, logx.Nop(), WithBus(f.bus), WithMetrics(f.metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	f.d = d
	return f
}

func (f *fixture) seen(t *testing.T, platform string) []string {
	t.Helper()
	ids, err := f.d.SeenIDs(context.Background(), platform)
	if err != nil {
		t.Fatalf("SeenIDs: %v", err)
	}
	return ids.Slice()
}

func TestIdempotentSuppression(t *testing.T) {
	f := newFixture(t, everyone)
	ctx := context.Background()
	snap := snapshot([]entity.Alert{alert("a1", "credits")}, nil)

	rep, err := f.d.RunCycle(ctx, "pc", snap)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Eligible[entity.CategoryAlert] != 1 || rep.Deliveries != 2 || rep.Delivered != 2 {
		t.Fatalf("first report = %+v", rep)
	}
	if got := f.seen(t, "pc"); strings.Join(got, ",") != "a1" {
		t.Fatalf("seen = %v", got)
	}

	rep, err = f.d.RunCycle(ctx, "pc", snap)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Eligible[entity.CategoryAlert] != 0 || rep.Deliveries != 0 {
		t.Fatalf("second report = %+v", rep)
	}
	if n := len(f.rec.Sent()); n != 2 {
		t.Fatalf("sent %d, want 2", n)
	}
	sent := f.rec.Sent()
	for _, s := range sent {
		if s.Destination == "chan-pc" && s.Message.Ping != "@pc" {
			t.Fatalf("ping not applied: %+v", s.Message)
		}
		if s.Destination == "ops" && s.Message.Ping != "" {
			t.Fatalf("unexpected ping for ops: %+v", s.Message)
		}
	}
}

func TestRewardlessAlertRecordedNotSent(t *testing.T) {
	f := newFixture(t, everyone)
	rep, err := f.d.RunCycle(context.Background(), "pc", snapshot([]entity.Alert{alert("a2")}, nil))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Deliveries != 0 || rep.Observed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.seen(t, "pc"); strings.Join(got, ",") != "a2" {
		t.Fatalf("seen = %v", got)
	}

	// Rewards populating later must not make it eligible.
	rep, _ = f.d.RunCycle(context.Background(), "pc", snapshot([]entity.Alert{alert("a2", "nitain")}, nil))
	if rep.Deliveries != 0 {
		t.Fatalf("a2 announced after rewards appeared: %+v", rep)
	}
}

func TestExpiredNeverSent(t *testing.T) {
	f := newFixture(t, everyone)
	a := alert("a3", "forma")
	a.Expire = true
	fi := fissure("f1")
	fi.Expiry = time.Now().Add(-time.Minute)
	rep, err := f.d.RunCycle(context.Background(), "pc", snapshot([]entity.Alert{a}, []entity.Fissure{fi}))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Deliveries != 0 || rep.Observed != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestCommitReplacesSeenSet(t *testing.T) {
	f := newFixture(t, everyone)
	ctx := context.Background()
	if _, err := f.d.RunCycle(ctx, "pc", snapshot([]entity.Alert{alert("a1", "credits")}, []entity.Fissure{fissure("f1")})); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.RunCycle(ctx, "pc", snapshot(nil, []entity.Fissure{fissure("f2")})); err != nil {
		t.Fatal(err)
	}
	if got := f.seen(t, "pc"); strings.Join(got, ",") != "f2" {
		t.Fatalf("seen = %v, want exactly [f2]", got)
	}
}

func TestFanOutIsolation(t *testing.T) {
	f := newFixture(t, everyone)
	f.rec.Fail["ops"] = errors.New("403 forbidden")
	snap := snapshot([]entity.Alert{alert("a1", "credits")}, []entity.Fissure{fissure("f1")})

	rep, err := f.d.RunCycle(context.Background(), "pc", snap)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Deliveries != 4 || rep.Delivered != 2 || rep.Failed != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if !errors.Is(rep.Err(), ErrDelivery) {
		t.Fatalf("report error = %v", rep.Err())
	}
	got := map[string]bool{}
	for _, s := range f.rec.Sent() {
		got[s.Message.EntityID] = true
	}
	if !got["a1"] || !got["f1"] {
		t.Fatalf("sibling deliveries missing: %+v", f.rec.Sent())
	}
	if v := testutil.ToFloat64(f.metrics.deliveries.WithLabelValues("pc", "failed")); v != 2 {
		t.Fatalf("failed deliveries metric = %v", v)
	}
}

func TestResolverFailureSkipsEntity(t *testing.T) {
	resolver := resolverFunc(func(ctx context.Context, c entity.Category, platform string, tags []string) ([]subscription.Destination, error) {
		if c == entity.CategoryAlert {
			return nil, errors.New("db timeout")
		}
		return everyone(ctx, c, platform, tags)
	})
	f := newFixture(t, resolver)
	rep, err := f.d.RunCycle(context.Background(), "pc", snapshot([]entity.Alert{alert("a1", "credits")}, []entity.Fissure{fissure("f1")}))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Skipped != 1 || rep.Delivered != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if !errors.Is(rep.Err(), ErrResolve) {
		t.Fatalf("report error = %v", rep.Err())
	}
	if got := f.seen(t, "pc"); len(got) != 2 {
		t.Fatalf("commit should include skipped entity: %v", got)
	}
}

func TestTrackerFailuresAbortCycle(t *testing.T) {
	f := newFixture(t, everyone)
	ctx := context.Background()
	if _, err := f.d.RunCycle(ctx, "pc", snapshot(nil, []entity.Fissure{fissure("f1")})); err != nil {
		t.Fatal(err)
	}
	f.rec.Reset()

	f.tracker.readErr = errors.New("redis down")
	rep, err := f.d.RunCycle(ctx, "pc", snapshot(nil, []entity.Fissure{fissure("f2")}))
	if !errors.Is(err, ErrTrackerRead) || !rep.Aborted {
		t.Fatalf("RunCycle = %v, report %+v", err, rep)
	}

	f.tracker.readErr = nil
	f.tracker.commitErr = errors.New("disk full")
	rep, err = f.d.RunCycle(ctx, "pc", snapshot(nil, []entity.Fissure{fissure("f2")}))
	if !errors.Is(err, ErrTrackerCommit) || !rep.Aborted {
		t.Fatalf("RunCycle = %v, report %+v", err, rep)
	}
	if len(f.rec.Sent()) != 0 {
		t.Fatalf("aborted cycles must not deliver: %+v", f.rec.Sent())
	}
	f.tracker.commitErr = nil
	if got := f.seen(t, "pc"); strings.Join(got, ",") != "f1" {
		t.Fatalf("seen changed by aborted cycles: %v", got)
	}
	if v := testutil.ToFloat64(f.metrics.cycles.WithLabelValues("pc", "aborted")); v != 2 {
		t.Fatalf("aborted metric = %v", v)
	}
	if last, ok := f.d.LastReport("pc"); !ok || !last.Aborted {
		t.Fatalf("last report = %+v", last)
	}
}

func TestMalformedSnapshotAbortsOnlyThatPlatform(t *testing.T) {
	f := newFixture(t, everyone)
	ctx := context.Background()
	bad := &entity.Snapshot{Fissures: []entity.Fissure{fissure("f1")}}
	if _, err := f.d.RunCycle(ctx, "pc", bad); !errors.Is(err, entity.ErrMalformedSnapshot) {
		t.Fatalf("RunCycle = %v", err)
	}
	if _, err := f.d.RunCycle(ctx, "ps4", snapshot(nil, []entity.Fissure{fissure("f1")})); err != nil {
		t.Fatalf("ps4 cycle: %v", err)
	}
	if got := f.seen(t, "pc"); len(got) != 0 {
		t.Fatalf("pc seen = %v", got)
	}
	if got := f.seen(t, "ps4"); len(got) != 1 {
		t.Fatalf("ps4 seen = %v", got)
	}
}

func TestPlatformsRunIndependently(t *testing.T) {
	f := newFixture(t, everyone)
	release := make(chan struct{})
	f.rec.Hook = func(ctx context.Context, dest string) {
		if dest == "chan-pc" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	if err := f.d.OnNewData("pc", snapshot(nil, []entity.Fissure{fissure("f1")})); err != nil {
		t.Fatalf("OnNewData pc: %v", err)
	}
	if err := f.d.OnNewData("ps4", snapshot(nil, []entity.Fissure{fissure("f1")})); err != nil {
		t.Fatalf("OnNewData ps4: %v", err)
	}

	waitCycle := func(platform string) CycleReport {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case e := <-events:
				if rep, ok := e.Data.(CycleReport); ok && e.Type == eventbus.CycleCompleted && rep.Platform == platform {
					return rep
				}
			case <-timeout:
				t.Fatalf("no cycle event for %s", platform)
			}
		}
	}

	waitCycle("ps4")
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, _ := f.d.State("pc")
		if st == StateFanningOut {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pc state = %s, want FANNING_OUT while blocked", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	rep := waitCycle("pc")
	if rep.Delivered != 2 {
		t.Fatalf("pc report = %+v", rep)
	}
	if st, _ := f.d.State("pc"); st != StateIdle {
		t.Fatalf("pc state = %s", st)
	}
}

func TestSaturatedPlatformDoesNotStallSibling(t *testing.T) {
	f := newFixtureWith(t, everyone, storage.NewMemory(),
		broadcast.Config{Workers: 2, QueueSize: 1, RatePerSec: 1000, DeliveryTimeout: time.Minute})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hung := make(chan struct{}, 8)
	f.rec.Hook = func(ctx context.Context, dest string) {
		if dest == "chan-pc" {
			hung <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}

	// Two hanging chan-pc deliveries hold both of pc's workers and its queue
	// stays full behind them.
	pcSnap := snapshot(nil, []entity.Fissure{fissure("f1"), fissure("f2")})
	if err := f.d.OnNewData("pc", pcSnap); err != nil {
		t.Fatalf("OnNewData pc: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-hung:
		case <-time.After(3 * time.Second):
			t.Fatalf("pc deliveries never started")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	rep, err := f.d.RunCycle(ctx, "ps4", snapshot([]entity.Alert{alert("g1", "credits")}, nil))
	if err != nil {
		t.Fatalf("ps4 RunCycle: %v", err)
	}
	if rep.Deliveries != 2 || rep.Delivered != 2 || rep.Failed != 0 || rep.Err() != nil {
		t.Fatalf("ps4 report = %+v", rep)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("ps4 cycle took %s behind pc", took)
	}
	if st, _ := f.d.State("pc"); st != StateFanningOut {
		t.Fatalf("pc state = %s, want FANNING_OUT", st)
	}
}

// cycleOrderTracker fails the test when a second read of the seen set starts
// before the previous cycle committed.
type cycleOrderTracker struct {
	storage.Tracker
	mu       sync.Mutex
	open     bool
	overlaps int
}

func (c *cycleOrderTracker) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	c.mu.Lock()
	if c.open {
		c.overlaps++
	}
	c.open = true
	c.mu.Unlock()
	return c.Tracker.IDsSeen(ctx, platform, shard)
}

func (c *cycleOrderTracker) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	// Widen the window a concurrent cycle would need to slip through.
	time.Sleep(2 * time.Millisecond)
	err := c.Tracker.Commit(ctx, platform, shard, ids)
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return err
}

func TestSamePlatformCyclesSerialize(t *testing.T) {
	order := &cycleOrderTracker{Tracker: storage.NewMemory()}
	f := newFixtureWith(t, everyone, order,
		broadcast.Config{Workers: 4, RatePerSec: 1000, DeliveryTimeout: time.Second})
	events, unsub := f.bus.Subscribe(64)
	defer unsub()
	snap := snapshot([]entity.Alert{alert("a1", "credits")}, nil)

	const n = 8
	var wg sync.WaitGroup
	reports := make([]CycleReport, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = f.d.RunCycle(context.Background(), "pc", snap)
		}(i)
	}
	wg.Wait()

	deliveries := 0
	for i := range reports {
		if errs[i] != nil {
			t.Fatalf("RunCycle %d: %v", i, errs[i])
		}
		deliveries += reports[i].Deliveries
	}
	if deliveries != 2 || len(f.rec.Sent()) != 2 {
		t.Fatalf("deliveries = %d, sent = %+v", deliveries, f.rec.Sent())
	}

	// Queued snapshots for the same platform run after the direct cycles and
	// see their commit.
	drain := func() {
		for {
			select {
			case <-events:
			default:
				return
			}
		}
	}
	drain()
	for i := 0; i < 4; i++ {
		if err := f.d.OnNewData("pc", snap); err != nil {
			t.Fatalf("OnNewData %d: %v", i, err)
		}
	}
	timeout := time.After(3 * time.Second)
	for done := 0; done < 4; {
		select {
		case e := <-events:
			if rep, ok := e.Data.(CycleReport); ok && e.Type == eventbus.CycleCompleted {
				if rep.Deliveries != 0 {
					t.Fatalf("queued cycle redelivered: %+v", rep)
				}
				done++
			}
		case <-timeout:
			t.Fatalf("queued cycles did not finish (%d of 4)", done)
		}
	}
	if got := len(f.rec.Sent()); got != 2 {
		t.Fatalf("sent %d after queued cycles, want 2", got)
	}
	order.mu.Lock()
	defer order.mu.Unlock()
	if order.overlaps != 0 {
		t.Fatalf("%d cycles read the seen set before the previous commit", order.overlaps)
	}
	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	if f.tracker.commits != n+4 {
		t.Fatalf("commits = %d, want %d", f.tracker.commits, n+4)
	}
}

func TestOnNewDataErrors(t *testing.T) {
	d, err := New(Config{Platforms: []string{"pc"}, ShardID: "0", PlatformQueue: 1},
		storage.NewMemory(), everyone, emitter.NewRecorder(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.OnNewData("xb1", snapshot(nil, nil)); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("unknown platform = %v", err)
	}
	// Not started: the first snapshot waits in the queue, the second overflows.
	if err := d.OnNewData("PC", snapshot(nil, nil)); err != nil {
		t.Fatalf("first OnNewData: %v", err)
	}
	if err := d.OnNewData("pc", snapshot(nil, nil)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second OnNewData = %v", err)
	}
	_ = d.Stop(context.Background())
	if err := d.OnNewData("pc", snapshot(nil, nil)); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop = %v", err)
	}
	if _, err := d.State("xb1"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("State = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Platforms: []string{"pc", "ps4"}, ShardID: "0"}, true},
		{"no platforms", Config{ShardID: "0"}, false},
		{"empty platform", Config{Platforms: []string{" "}, ShardID: "0"}, false},
		{"duplicate", Config{Platforms: []string{"pc", "PC"}, ShardID: "0"}, false},
		{"colon", Config{Platforms: []string{"pc:1"}, ShardID: "0"}, false},
		{"no shard", Config{Platforms: []string{"pc"}}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tt.name, err)
		}
	}
	if _, err := New(Config{Platforms: []string{"pc"}, ShardID: "0"}, nil, everyone, emitter.NewRecorder(), logx.Nop()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil tracker = %v", err)
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{StateIdle: "IDLE", StateClassifying: "CLASSIFYING", StateCommitting: "COMMITTING", StateFanningOut: "FANNING_OUT"}
	for s, w := range want {
		if s.String() != w {
			t.Fatalf("%d = %q", s, s.String())
		}
	}
}
