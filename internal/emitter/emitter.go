// Package emitter delivers rendered notifications to chat destinations.
//
// A Deliver call is a single attempt. Retrying, timeouts and rate limiting
// belong to the caller's fan-out pool.
package emitter

import (
	"context"
	"errors"

	"worldwatch/internal/render"
)

var ErrBadDestination = errors.New("invalid destination")

// Emitter sends one message to one destination.
type Emitter interface {
	Deliver(ctx context.Context, destination string, msg render.Message) error
}

// Func adapts a plain function to Emitter.
type Func func(ctx context.Context, destination string, msg render.Message) error

func (f Func) Deliver(ctx context.Context, destination string, msg render.Message) error {
	return f(ctx, destination, msg)
}
