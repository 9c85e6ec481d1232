package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker fans stream events out to subscribers. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling the
// state machine.
type Broker struct {
	subs       map[chan StreamEvent]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// Ensure Broker satisfies both ends of the stream.
var (
	_ Publisher  = (*Broker)(nil)
	_ Subscriber = (*Broker)(nil)
)

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer(size int) *Broker {
	return &Broker{
		subs:       make(map[chan StreamEvent]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel of stream events. The channel closes when
// ctx is cancelled or the broker shuts down.
func (b *Broker) Subscribe(ctx context.Context) <-chan StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan StreamEvent)
		close(ch)
		return ch
	default:
	}

	sub := make(chan StreamEvent, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish stamps the event and fans it out. Full subscriber buffers drop
// the event.
func (b *Broker) Publish(ev StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts down the broker and every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
