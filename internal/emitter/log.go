package emitter

import (
	"context"

	"worldwatch/internal/render"
	logx "worldwatch/pkg/logx"
)

// Log writes every delivery to the logger. It is the default when no chat
// transport is configured and is handy for dry runs.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "emitter.log"))}
}

func (l *Log) Deliver(ctx context.Context, destination string, msg render.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("notification",
		logx.String("destination", destination),
		logx.String("platform", msg.Platform),
		logx.String("category", msg.Category.String()),
		logx.String("entity", msg.EntityID),
		logx.String("text", msg.Text()),
	)
	return nil
}
