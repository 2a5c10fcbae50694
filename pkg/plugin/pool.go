package plugin

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultMaxWorkers = 4

// Pool caps the number of live plugin workers across all plugins. A slot is
// held from launch until the worker exits or is retired.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	active  atomic.Int64
	waiting atomic.Int64
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultMaxWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) error {
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return err
	}

	p.active.Add(1)
	return nil
}

// TryAcquire takes a slot without waiting.
func (p *Pool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.active.Add(1)
	return true
}

func (p *Pool) Release() {
	p.active.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) Size() int {
	return p.size
}

// Active is the number of held slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Waiting is the number of callers blocked in Acquire.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}
