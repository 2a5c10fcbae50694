package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"acople/pkg/message"
)

// RedisBus publishes JSON messages on one Valkey/Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisBus(client redis.UniversalClient, channel string, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}

	return &RedisBus{
		client:  client,
		channel: channel,
		log:     log.With("component", "bus.redis", "channel", channel),
		done:    make(chan struct{}),
	}
}

func (rb *RedisBus) Publish(ctx context.Context, msg *message.UniversalMessage) error {
	if msg == nil {
		return errors.New("publish message: message is nil")
	}

	select {
	case <-rb.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := rb.client.Publish(ctx, rb.channel, data).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (rb *RedisBus) Subscribe(ctx context.Context, buffer int) (<-chan *message.UniversalMessage, func(), error) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	select {
	case <-rb.done:
		return nil, func() {}, ErrClosed
	default:
	}

	pubsub := rb.client.Subscribe(ctx, rb.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, func() {}, fmt.Errorf("subscribe %s: %w", rb.channel, err)
	}

	out := make(chan *message.UniversalMessage, buffer)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-rb.done:
				return
			case <-stop:
				return
			case raw, ok := <-incoming:
				if !ok {
					return
				}

				var msg message.UniversalMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					rb.log.Warn("Dropping undecodable bus payload", "error", err)
					continue
				}

				select {
				case out <- &msg:
				default:
					rb.log.Warn("Subscriber buffer full, dropping message", "universal_id", msg.UniversalID)
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

// Close stops all subscriptions. The client is owned by the caller.
func (rb *RedisBus) Close() error {
	rb.closeOnce.Do(func() { close(rb.done) })
	return nil
}
