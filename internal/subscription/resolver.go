// Package subscription answers "which channels want to hear about this".
//
// The engine only reads subscriptions; managing them (track/untrack/ping
// commands) belongs to the chat command layer.
package subscription

import (
	"context"
	"strings"

	"worldwatch/internal/entity"
)

// Destination is one channel subscribed to a category/platform combination.
// Ping is an optional mention prefixed to the notification (for example a
// role mention configured per event or item).
type Destination struct {
	ID   string `json:"id"`
	Ping string `json:"ping,omitempty"`
}

// Resolver looks up destinations. Implementations return an empty slice, not
// an error, when nothing matches; errors mean the lookup itself failed.
type Resolver interface {
	Resolve(ctx context.Context, category entity.Category, platform string, filterTags []string) ([]Destination, error)
}

// merge appends d to out unless its channel is already present; pings of
// duplicate matches are joined so no mention is lost.
func merge(out []Destination, index map[string]int, d Destination) []Destination {
	if i, ok := index[d.ID]; ok {
		if d.Ping != "" && !strings.Contains(out[i].Ping, d.Ping) {
			out[i].Ping = strings.TrimSpace(out[i].Ping + " " + d.Ping)
		}
		return out
	}
	index[d.ID] = len(out)
	return append(out, d)
}
