package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("platform", "pc"))
	log.Warn("cycle aborted", String("shard", "0"), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["platform"] != "pc" || m["shard"] != "0" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["err"] != "boom" {
		t.Fatalf("err field = %v, want boom", m["err"])
	}
	if m["message"] != "cycle aborted" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatalf("unexpected Enabled result")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

type captureSender struct {
	mu   sync.Mutex
	got  []string
	dest []string
}

func (c *captureSender) SendOperator(_ context.Context, dest, text string) error {
	c.mu.Lock()
	c.got = append(c.got, text)
	c.dest = append(c.dest, dest)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestOperatorSinkForwardsWarnings(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Operator: OperatorConfig{
			Enabled:     true,
			Destination: "ops",
			MinLevel:    "warn",
			RatePerSec:  50,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Error("tracker commit failed", String("platform", "ps4"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 forwarded line, got %d", sender.count())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.dest[0] != "ops" {
		t.Fatalf("dest = %q", sender.dest[0])
	}
	if !strings.HasPrefix(sender.got[0], "[ERROR] tracker commit failed") {
		t.Fatalf("unexpected operator text %q", sender.got[0])
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if got := parseLevel("nonsense", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel default = %v", got)
	}
	if got := parseLevel(" warning ", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel warning = %v", got)
	}
}

func TestOperatorFormatOrdersDispatchKeys(t *testing.T) {
	line := `{"level":"warn","time":"2026-01-01T00:00:00Z","caller":"cycle.go:10","zeta":"z","dest":"100","platform":"pc","alpha":1,"message":"delivery failed"}`
	text, key := formatOperator([]byte(line))
	want := "[WARN] delivery failed\n- platform=pc\n- dest=100\n- alpha=1\n- zeta=z"
	if text != want {
		t.Fatalf("text =\n%s\nwant\n%s", text, want)
	}
	if strings.Contains(key, "2026") || strings.Contains(key, "cycle.go") {
		t.Fatalf("repeat key should ignore time and caller: %q", key)
	}

	a, ka := formatOperator([]byte(`{"level":"warn","message":"x","cycle":"c1"}`))
	b, kb := formatOperator([]byte(`{"level":"warn","message":"x","cycle":"c2"}`))
	if a == b || ka != kb {
		t.Fatalf("cycle id should show in text but not in key: %q %q / %q %q", a, b, ka, kb)
	}
}

func TestOperatorSinkFoldsRepeats(t *testing.T) {
	o := newOperatorSink(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	o.apply(OperatorConfig{Destination: "ops", RatePerSec: 100})

	line := []byte(`{"level":"error","message":"tracker read failed","platform":"pc"}`)
	for range 3 {
		_, _ = o.WriteLevel(LevelError, line)
	}
	if got := len(o.queue); got != 1 {
		t.Fatalf("queued %d lines, want 1", got)
	}
	if st := o.stats(); st.Suppressed != 2 {
		t.Fatalf("suppressed = %d, want 2", st.Suppressed)
	}

	now = now.Add(repeatWindow)
	_, _ = o.WriteLevel(LevelError, line)
	if got := len(o.queue); got != 2 {
		t.Fatalf("line after window not queued: %d", got)
	}

	_, _ = o.WriteLevel(LevelInfo, []byte(`{"level":"info","message":"below min level"}`))
	if got := len(o.queue); got != 2 {
		t.Fatalf("info line should be ignored")
	}
}
