// Package pool bounds the number of requests doing database work at once.
package pool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrSaturated is returned when a slot cannot be acquired before the
// configured acquire timeout elapses.
var ErrSaturated = errors.New("worker pool saturated")

// Pool is a bounded set of worker slots backed by a weighted semaphore.
// Requests acquire a slot before touching the database and release it when
// done, so a burst of slow requests queues instead of piling onto SQLite.
type Pool struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// New returns a pool with the given number of slots. Acquire waits at most
// acquireTimeout for a free slot.
func New(slots int64, acquireTimeout time.Duration) *Pool {
	return &Pool{
		sem:            semaphore.NewWeighted(slots),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire claims one slot, waiting until a slot frees up, the acquire
// timeout elapses, or ctx is done. It returns ErrSaturated on timeout and
// the context error on cancellation.
func (p *Pool) Acquire(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSaturated
	}
	return nil
}

// Release returns a slot claimed by Acquire.
func (p *Pool) Release() {
	p.sem.Release(1)
}
