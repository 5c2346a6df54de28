package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
//
// Two delivery modes are offered. Publish never blocks and drops events for
// subscribers whose buffer is full, which suits log tailing. Deliver blocks
// until every live subscriber has accepted the event, so a subscriber sees
// every event in publication order; it is used for test lifecycle events.
type Broker[T any] struct {
	subs       map[chan Event[T]]<-chan struct{} // subscriber -> its ctx.Done()
	mu         sync.RWMutex
	done       chan struct{}
	closeOnce  sync.Once
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size < 0 {
		size = 0
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]<-chan struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled or the broker closes.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = ctx.Done()

	// Cleanup goroutine
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return // Close owns the channel now
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events if subscriber channel is full.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := newEvent(eventType, payload)
	for sub := range b.subs {
		select {
		case sub <- event:
			// Delivered
		default:
			// Channel full - drop to prevent blocking
		}
	}
}

// Deliver sends an event to all subscribers, waiting for each one to accept it.
// A subscriber whose context is cancelled is skipped, and a closed broker
// releases any blocked Deliver.
func (b *Broker[T]) Deliver(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := newEvent(eventType, payload)
	for sub, subDone := range b.subs {
		select {
		case sub <- event:
		case <-subDone:
		case <-b.done:
			return
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	closed := false
	b.closeOnce.Do(func() {
		close(b.done)
		closed = true
	})
	if !closed {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func newEvent[T any](eventType EventType, payload T) Event[T] {
	return Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
