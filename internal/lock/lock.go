// Package lock provides short TTL-bounded mutual exclusion leases keyed by
// tenant and resource. A lease is not a strongly consistent lock: it can
// expire under a slow holder, so every Handle carries a fencing token that
// the holder re-checks with Validate before committing side effects.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/eventshim/internal/common"
)

// ErrLockLost is returned by Validate when the lease expired and may have
// been taken by another holder.
var ErrLockLost = errors.New("resource lock lost")

// Handle identifies one successful acquisition.
type Handle struct {
	TenantID  string
	Resource  string
	Token     string
	Fence     int64
	ExpiresAt time.Time
}

type Manager interface {
	// Acquire fails with common.ErrLockUnavailable if an unexpired lease exists.
	Acquire(ctx context.Context, tenantID, resource string, maxHold time.Duration) (*Handle, error)
	// Release is best effort and only affects the lease h still owns.
	Release(ctx context.Context, h *Handle) error
	// Validate reports ErrLockLost if h no longer owns the lease.
	Validate(ctx context.Context, h *Handle) error
}

// WithLock runs fn while holding the lease. The lease is released even if
// ctx is cancelled by the time fn returns.
func WithLock(ctx context.Context, m Manager, tenantID, resource string, maxHold time.Duration, fn func(ctx context.Context, h *Handle) error) error {
	h, err := m.Acquire(ctx, tenantID, resource, maxHold)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release(context.WithoutCancel(ctx), h) }()
	return fn(ctx, h)
}

// AcquireWait retries Acquire every interval while the lease is held by
// someone else, up to wait.
func AcquireWait(ctx context.Context, m Manager, tenantID, resource string, maxHold, wait, interval time.Duration) (*Handle, error) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		h, err := m.Acquire(ctx, tenantID, resource, maxHold)
		if err == nil || !errors.Is(err, common.ErrLockUnavailable) {
			return h, err
		}
		if !time.Now().Add(interval).Before(deadline) {
			return nil, err
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
