package eventbus

import (
	"context"
	"sync"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Publisher delivers an outbound event to one sink
type Publisher interface {
	Publish(ctx context.Context, event types.Event) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, event types.Event) error

func (f PublisherFunc) Publish(ctx context.Context, event types.Event) error {
	return f(ctx, event)
}

// Channel is the bounded outbound event queue. Producers emit into it and
// Run drains it to every registered publisher.
type Channel struct {
	mu     sync.RWMutex
	ch     chan types.Event
	closed bool
}

func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel{ch: make(chan types.Event, capacity)}
}

// Emit enqueues an event, waiting for room until ctx is done.
func (c *Channel) Emit(ctx context.Context, event types.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.ErrQueueClosed
	}
	select {
	case c.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues an event without blocking.
func (c *Channel) TryPublish(event types.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.ErrQueueClosed
	}
	select {
	case c.ch <- event:
		return nil
	default:
		return types.ErrQueueFull
	}
}

// Close stops the channel from accepting events. Queued events are still drained.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func (c *Channel) Len() int {
	return len(c.ch)
}

// Run delivers events to the publishers until ctx is done or the channel is
// closed and empty. A failing publisher does not stop delivery to the others.
func (c *Channel) Run(ctx context.Context, publishers ...Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.ch:
			if !ok {
				return
			}
			for _, p := range publishers {
				if err := p.Publish(ctx, event); err != nil {
					log.Error().
						Err(err).
						Str("event_type", event.Type).
						Str("event_id", event.ID).
						Msg("Failed to publish event")
				}
			}
		}
	}
}
