package emitter

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"worldwatch/internal/render"
	logx "worldwatch/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// ParseMode is "HTML" (default), "Markdown" or "plain".
	ParseMode      string
	DisablePreview bool
	// APIURL overrides the Bot API endpoint, mainly for tests.
	APIURL string
}

// sender is the part of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers to chats addressed as "chatID" or "chatID:threadID".
type Telegram struct {
	cfg  TelegramConfig
	mode tele.ParseMode
	bot  sender
	log  logx.Logger
}

// NewTelegram builds an offline bot client; it never polls for updates.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return newTelegram(cfg, b, log), nil
}

func newTelegram(cfg TelegramConfig, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	mode := tele.ParseMode(strings.TrimSpace(cfg.ParseMode))
	switch strings.ToLower(string(mode)) {
	case "", "html":
		mode = tele.ModeHTML
	case "markdown":
		mode = tele.ModeMarkdown
	case "markdownv2":
		mode = tele.ModeMarkdownV2
	case "plain", "none":
		mode = tele.ModeDefault
	}
	return &Telegram{cfg: cfg, mode: mode, bot: bot, log: log.With(logx.String("comp", "emitter.telegram"))}
}

// ParseDestination splits "chatID[:threadID]".
func ParseDestination(dest string) (chatID int64, threadID int, err error) {
	dest = strings.TrimSpace(dest)
	chat, thread, hasThread := strings.Cut(dest, ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadDestination, dest)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadDestination, dest)
		}
	}
	return chatID, threadID, nil
}

func (t *Telegram) Deliver(ctx context.Context, destination string, msg render.Message) error {
	return t.send(ctx, destination, t.format(msg))
}

// SendOperator routes operator log lines through the same bot.
func (t *Telegram) SendOperator(ctx context.Context, destination, text string) error {
	if t.mode == tele.ModeHTML {
		text = "<pre>" + html.EscapeString(text) + "</pre>"
	}
	return t.send(ctx, destination, text)
}

func (t *Telegram) send(ctx context.Context, destination, text string) error {
	chatID, threadID, err := ParseDestination(destination)
	if err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode:             t.mode,
		DisableWebPagePreview: t.cfg.DisablePreview,
		ThreadID:              threadID,
	}
	chat := &tele.Chat{ID: chatID}
	chunks := splitText(text, textLimit, t.mode == tele.ModeHTML)
	if len(chunks) > 1 {
		t.log.Debug("splitting long message", logx.Int("chunks", len(chunks)), logx.Int64("chat_id", chatID))
	}
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			var flood tele.FloodError
			if errors.As(err, &flood) {
				return fmt.Errorf("telegram flood control, retry after %s: %w",
					time.Duration(flood.RetryAfter)*time.Second, err)
			}
			return fmt.Errorf("telegram send chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// format renders msg as HTML with a bold title, or plain text.
func (t *Telegram) format(msg render.Message) string {
	if t.mode != tele.ModeHTML {
		return msg.Text()
	}
	var b strings.Builder
	if msg.Ping != "" {
		b.WriteString(html.EscapeString(msg.Ping))
		b.WriteString("\n")
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</b>")
	if msg.Body != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(msg.Body))
	}
	for _, f := range msg.Fields {
		b.WriteString("\n")
		if f.Name != "" {
			b.WriteString("<i>")
			b.WriteString(html.EscapeString(f.Name))
			b.WriteString("</i>: ")
		}
		b.WriteString(html.EscapeString(f.Value))
	}
	return b.String()
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, isHTML bool) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if isHTML && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
