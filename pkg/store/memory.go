package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"acople/pkg/message"
)

// Memory is an in-process Store. All indexes change under one write lock.
type Memory struct {
	mu        sync.RWMutex
	history   []Projection
	universal map[string]Projection
	platform  map[string]string
	native    map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		universal: make(map[string]Projection),
		platform:  make(map[string]string),
		native:    make(map[string]string),
	}
}

func (m *Memory) Append(ctx context.Context, msg *message.UniversalMessage) error {
	if msg == nil {
		return errors.New("append message: message is nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	projection := Project(msg)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, projection)
	if msg.Message == nil {
		return nil
	}

	if _, exists := m.universal[projection.UniversalID]; !exists {
		m.universal[projection.UniversalID] = projection
	}
	if projection.MessageID != "" {
		m.platform[platformKey(projection.AdapterID, projection.MessageID)] = projection.UniversalID
		m.native[nativeKey(projection.UniversalID, projection.Endpoint())] = projection.MessageID
	}

	return nil
}

func (m *Memory) IndexDelivery(ctx context.Context, universalID string, delivered Projection) error {
	if err := validateDelivery(universalID, delivered); err != nil {
		return fmt.Errorf("index delivery: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index delivery: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.platform[platformKey(delivered.AdapterID, delivered.MessageID)] = universalID
	m.native[nativeKey(universalID, delivered.Endpoint())] = delivered.MessageID
	return nil
}

func (m *Memory) GetByUniversalID(_ context.Context, universalID string) (Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	projection, ok := m.universal[universalID]
	if !ok {
		return Projection{}, ErrNotFound
	}
	return projection, nil
}

func (m *Memory) GetNativeID(_ context.Context, universalID string, endpoint message.Endpoint) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nativeID, ok := m.native[nativeKey(universalID, endpoint)]
	if !ok {
		return "", ErrNotFound
	}
	return nativeID, nil
}

func (m *Memory) LookupUniversalID(_ context.Context, adapterID, nativeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	universalID, ok := m.platform[platformKey(adapterID, nativeID)]
	if !ok {
		return "", ErrNotFound
	}
	return universalID, nil
}

func (m *Memory) ScanRecent(ctx context.Context, match Predicate, limit int) ([]Projection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	budget := scanBudget(len(m.history), limit)
	var out []Projection
	for i := len(m.history) - 1; i >= len(m.history)-budget; i-- {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("scan history: %w", err)
		}

		projection := m.history[i]
		if match == nil || match(projection) {
			out = append(out, projection)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}

	return out, nil
}

func (m *Memory) Purge(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = nil
	m.universal = make(map[string]Projection)
	m.platform = make(map[string]string)
	m.native = make(map[string]string)
	return nil
}

// Len returns the number of history entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

func (m *Memory) Close() error {
	return nil
}

func platformKey(adapterID, nativeID string) string {
	return adapterID + ":" + nativeID
}

func nativeKey(universalID string, endpoint message.Endpoint) string {
	return universalID + ":" + endpoint.Key()
}
