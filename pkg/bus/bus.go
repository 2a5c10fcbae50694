// Package bus carries UniversalMessages between adapters and the plugin
// dispatcher. Delivery is fan-out and at-most-once.
package bus

import (
	"context"
	"errors"
	"sync"

	"acople/pkg/message"
)

const (
	DefaultChannel    = "bot.On.AdaptadorMessage"
	defaultBufferSize = 100
)

var ErrClosed = errors.New("bus closed")

// Bus is a publish/subscribe channel of UniversalMessages.
type Bus interface {
	Publish(ctx context.Context, msg *message.UniversalMessage) error
	// Subscribe returns a channel that is closed when ctx ends, the bus closes
	// or unsubscribe is called.
	Subscribe(ctx context.Context, buffer int) (<-chan *message.UniversalMessage, func(), error)
	Close() error
}

// MessageBus is the in-process Bus.
type MessageBus struct {
	subscribers      map[uint64]chan *message.UniversalMessage
	nextSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[uint64]chan *message.UniversalMessage),
		done:        make(chan struct{}),
	}
}

// Publish hands every subscriber its own copy of msg.
func (mb *MessageBus) Publish(ctx context.Context, msg *message.UniversalMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg == nil {
		return errors.New("publish message: message is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.subscribers {
		select {
		case ch <- msg.Clone():
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return nil
}

func (mb *MessageBus) Subscribe(ctx context.Context, buffer int) (<-chan *message.UniversalMessage, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan *message.UniversalMessage, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		return nil, func() {}, ErrClosed
	default:
	}

	id := mb.nextSubscriberID
	mb.nextSubscriberID++
	mb.subscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if sub, ok := mb.subscribers[id]; ok {
				delete(mb.subscribers, id)
				close(sub)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe, nil
}

func (mb *MessageBus) Close() error {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.subscribers {
			close(ch)
			delete(mb.subscribers, id)
		}
		mb.mu.Unlock()
	})
	return nil
}
