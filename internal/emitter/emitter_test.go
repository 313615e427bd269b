package emitter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"worldwatch/internal/entity"
	"worldwatch/internal/render"
	logx "worldwatch/pkg/logx"
)

type sentMsg struct {
	chat int64
	text string
	opt  *tele.SendOptions
}

type fakeBot struct {
	sent []sentMsg
	err  error
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	chat := to.(*tele.Chat)
	m := sentMsg{chat: chat.ID, text: what.(string)}
	if len(opts) > 0 {
		m.opt, _ = opts[0].(*tele.SendOptions)
	}
	b.sent = append(b.sent, m)
	return &tele.Message{ID: len(b.sent)}, nil
}

func sample() render.Message {
	return render.Message{
		Category: entity.CategoryAlert,
		Platform: "pc",
		EntityID: "a1",
		Ping:     "@here",
		Title:    "[PC] Nitain <x1>",
		Body:     "Mercury",
		Fields:   []render.Field{{Name: "Expires in", Value: "5m 0s"}},
	}
}

func TestParseDestination(t *testing.T) {
	chat, thread, err := ParseDestination("-100123:42")
	if err != nil || chat != -100123 || thread != 42 {
		t.Fatalf("got %d %d %v", chat, thread, err)
	}
	if _, _, err := ParseDestination("123"); err != nil {
		t.Fatalf("plain chat id: %v", err)
	}
	for _, bad := range []string{"", "abc", "0", "12:x", "12:-1"} {
		if _, _, err := ParseDestination(bad); !errors.Is(err, ErrBadDestination) {
			t.Fatalf("%q: expected ErrBadDestination, got %v", bad, err)
		}
	}
}

func TestTelegramDeliverHTML(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(TelegramConfig{}, bot, logx.Nop())
	if err := tg.Deliver(context.Background(), "555:7", sample()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages", len(bot.sent))
	}
	got := bot.sent[0]
	if got.chat != 555 || got.opt.ThreadID != 7 || got.opt.ParseMode != tele.ModeHTML {
		t.Fatalf("unexpected target %+v opt=%+v", got, got.opt)
	}
	want := "@here\n<b>[PC] Nitain &lt;x1&gt;</b>\nMercury\n<i>Expires in</i>: 5m 0s"
	if got.text != want {
		t.Fatalf("text = %q, want %q", got.text, want)
	}
}

func TestTelegramPlainAndErrors(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(TelegramConfig{ParseMode: "plain"}, bot, logx.Nop())
	if err := tg.Deliver(context.Background(), "1", sample()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if bot.sent[0].text != sample().Text() {
		t.Fatalf("plain text = %q", bot.sent[0].text)
	}
	if err := tg.Deliver(context.Background(), "nope", sample()); !errors.Is(err, ErrBadDestination) {
		t.Fatalf("expected ErrBadDestination, got %v", err)
	}

	boom := errors.New("chat not found")
	tg = newTelegram(TelegramConfig{}, &fakeBot{err: boom}, logx.Nop())
	if err := tg.Deliver(context.Background(), "1", sample()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newTelegram(TelegramConfig{}, &fakeBot{}, logx.Nop()).Deliver(ctx, "1", sample()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTelegramSendOperatorEscapes(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(TelegramConfig{}, bot, logx.Nop())
	if err := tg.SendOperator(context.Background(), "9", "[ERROR] a<b"); err != nil {
		t.Fatalf("SendOperator: %v", err)
	}
	if bot.sent[0].text != "<pre>[ERROR] a&lt;b</pre>" {
		t.Fatalf("text = %q", bot.sent[0].text)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10, false); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}
	s := strings.Repeat("line\n", 10)
	chunks := splitText(s, 12, false)
	for _, c := range chunks {
		if len([]rune(c)) > 12 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if strings.Join(chunks, "\n") != strings.TrimRight(s, "\n") {
		t.Fatalf("chunks lost content: %q", chunks)
	}

	html := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks = splitText(html, 10, true)
	if chunks[0] != strings.Repeat("a", 8) {
		t.Fatalf("split inside tag: %q", chunks)
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(logx.NewWriter(&buf, "info"))
	if err := l.Deliver(context.Background(), "chan-1", sample()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"destination":"chan-1"`, `"category":"alert"`, `"entity":"a1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	boom := errors.New("boom")
	r.Fail["bad"] = boom
	if err := r.Deliver(context.Background(), "bad", sample()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = r.Deliver(context.Background(), "ok", sample())
	if sent := r.Sent(); len(sent) != 1 || sent[0].Destination != "ok" {
		t.Fatalf("sent = %+v", sent)
	}
	r.Reset()
	if len(r.Sent()) != 0 {
		t.Fatalf("reset did not clear")
	}
}
