// Package streaming fans run transition events out to live observers. The
// engine publishes every state transition here; the HTTP stream and watch
// handlers subscribe, serialize, and forward.
package streaming

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Filter selects which transition events a subscriber receives. Zero values
// match everything.
type Filter struct {
	RunID string   // only events for this run
	Types []string // only these event types
}

// Hub is the pub/sub channel between the engine and live protocol writers.
type Hub interface {
	Publish(ctx context.Context, event schema.TransitionEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.TransitionEvent, func(), error)
}
