// Package sequence hands out per-tenant monotonic numbers by serializing
// callers on a resource lock and reading the current maximum from the
// store that owns the sequence.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/eventshim/internal/lock"
)

// MaxReader reports the highest number already used for a tenant, or 0.
type MaxReader interface {
	MaxSeq(ctx context.Context, tenantID string) (int64, error)
}

type Allocator struct {
	locks  lock.Manager
	reader MaxReader
	wait   time.Duration
	retry  time.Duration
}

type Option func(*Allocator)

// WithWait bounds how long Execute waits for a contended sequence lock.
func WithWait(wait, retry time.Duration) Option {
	return func(a *Allocator) {
		a.wait = wait
		a.retry = retry
	}
}

func New(locks lock.Manager, reader MaxReader, opts ...Option) *Allocator {
	a := &Allocator{locks: locks, reader: reader, wait: 5 * time.Second, retry: 25 * time.Millisecond}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Execute calls body with the next number for (tenantID, name) while
// holding the sequence lock. body must persist the number before it
// returns; the lock is released afterwards whatever the outcome.
func (a *Allocator) Execute(ctx context.Context, tenantID, name string, maxLock time.Duration, body func(ctx context.Context, next int64) error) error {
	h, err := lock.AcquireWait(ctx, a.locks, tenantID, "seq:"+name, maxLock, a.wait, a.retry)
	if err != nil {
		return fmt.Errorf("sequence %s: %w", name, err)
	}
	defer func() { _ = a.locks.Release(context.WithoutCancel(ctx), h) }()

	cur, err := a.reader.MaxSeq(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("sequence %s: read max: %w", name, err)
	}
	if err := a.locks.Validate(ctx, h); err != nil {
		return fmt.Errorf("sequence %s: %w", name, err)
	}
	return body(ctx, cur+1)
}
