// Package events fans engine events out to subscribers over a single
// tagged-union channel per subscriber. Ordering is preserved per publisher;
// a slow subscriber drops its oldest buffered event rather than blocking
// the adapters.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/model"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Bus distributes model.Event values to all subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan model.Event
	closed bool
	buf    int
	logger *zap.Logger
}

// NewBus creates a Bus. A nil logger defaults to zap.NewNop().
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]chan model.Event),
		buf:    DefaultBufferSize,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to every subscriber. When a subscriber's buffer is
// full the oldest event is dropped so progress spam can never wedge an
// adapter.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				b.logger.Debug("event bus: dropped oldest event for slow subscriber",
					zap.String("subscriber", id), zap.String("kind", string(ev.Kind)))
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
