package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"acople/pkg/bus"
	"acople/pkg/config"
	"acople/pkg/store"
)

const pingTimeout = 5 * time.Second

// Backends is the bus and history store shared by the supervisor, the
// dispatcher and every adapter.
type Backends struct {
	Bus   bus.Bus
	Store store.Store

	client *redis.Client
}

// OpenBackends connects the configured bus and store. Valkey backends share
// one client, which is pinged before use.
func OpenBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backends, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Backends{}
	if cfg.Bus.Backend == config.BackendValkey || cfg.Store.Backend == config.BackendValkey {
		b.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Valkey.Addr(),
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := b.client.Ping(pingCtx).Err(); err != nil {
			_ = b.client.Close()
			return nil, fmt.Errorf("connect valkey at %s: %w", cfg.Valkey.Addr(), err)
		}
		log.Info("Connected to valkey", "component", "gateway.backends", "address", cfg.Valkey.Addr())
	}

	switch cfg.Bus.Backend {
	case config.BackendValkey:
		b.Bus = bus.NewRedisBus(b.client, cfg.Bus.Channel, log)
	default:
		b.Bus = bus.NewMessageBus()
	}

	switch cfg.Store.Backend {
	case config.BackendValkey:
		b.Store = store.NewRedis(b.client, store.RedisOptions{HistoryKey: cfg.Store.HistoryKey})
	default:
		b.Store = store.NewMemory()
	}

	return b, nil
}

// Close stops the bus and releases the shared client.
func (b *Backends) Close() error {
	var errs []error
	if b.Bus != nil {
		errs = append(errs, b.Bus.Close())
	}
	if b.client != nil {
		errs = append(errs, b.client.Close())
	} else if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	return errors.Join(errs...)
}
