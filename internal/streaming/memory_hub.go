package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepflow/pkg/schema"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan schema.TransitionEvent
	filter Filter
}

// MemoryHub is the in-process Hub implementation. Delivery is best-effort:
// a subscriber whose buffer is full loses the event rather than stalling the
// run walker.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers the event to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event schema.TransitionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers an observer. The returned cancel must be called to
// release the subscription; the channel is buffered and never closed by the
// hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.TransitionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	ch := make(chan schema.TransitionEvent, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

func matches(f Filter, e schema.TransitionEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

var _ Hub = (*MemoryHub)(nil)
