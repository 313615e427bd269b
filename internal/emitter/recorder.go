package emitter

import (
	"context"
	"sync"

	"worldwatch/internal/render"
)

// Delivery is one recorded Deliver call.
type Delivery struct {
	Destination string
	Message     render.Message
}

// Recorder keeps every successful delivery in memory. Destinations listed in
// Fail return the mapped error instead.
type Recorder struct {
	mu   sync.Mutex
	sent []Delivery

	Fail map[string]error
	// Hook, when set, runs before each delivery outside the lock.
	Hook func(ctx context.Context, destination string)
}

func NewRecorder() *Recorder {
	return &Recorder{Fail: map[string]error{}}
}

func (r *Recorder) Deliver(ctx context.Context, destination string, msg render.Message) error {
	if r.Hook != nil {
		r.Hook(ctx, destination)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Fail[destination]; err != nil {
		return err
	}
	r.sent = append(r.sent, Delivery{Destination: destination, Message: msg})
	return nil
}

// Sent returns a copy of the recorded deliveries.
func (r *Recorder) Sent() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.sent...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
