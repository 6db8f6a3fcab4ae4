package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
)

// acquireScript sets the lease only if absent and bumps the fence counter
// in the same step. Both keys share a hash tag so they live in one slot.
var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return redis.call('INCR', KEYS[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// minHold is the shortest lease redis can express with PX.
const minHold = time.Millisecond

// RedisManager keeps leases as SET NX PX keys. Expiry is enforced by redis;
// the clock only stamps Handle.ExpiresAt.
type RedisManager struct {
	rdb   redis.Cmdable
	clock clock.Clock
}

func NewRedisManager(rdb redis.Cmdable, clk clock.Clock) *RedisManager {
	if clk == nil {
		clk = clock.Real()
	}
	return &RedisManager{rdb: rdb, clock: clk}
}

func redisKeys(tenantID, resource string) []string {
	tag := "{" + tenantID + ":" + resource + "}"
	return []string{"lock:" + tag, "lockfence:" + tag}
}

func (m *RedisManager) Acquire(ctx context.Context, tenantID, resource string, maxHold time.Duration) (*Handle, error) {
	token, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	maxHold = max(maxHold, minHold)
	fence, err := acquireScript.Run(ctx, m.rdb, redisKeys(tenantID, resource), token, maxHold.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s/%s: %w", tenantID, resource, err)
	}
	if fence == 0 {
		return nil, common.ErrLockUnavailable
	}
	return &Handle{
		TenantID:  tenantID,
		Resource:  resource,
		Token:     token,
		Fence:     fence,
		ExpiresAt: m.clock.Now().Add(maxHold),
	}, nil
}

func (m *RedisManager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	return releaseScript.Run(ctx, m.rdb, redisKeys(h.TenantID, h.Resource)[:1], h.Token).Err()
}

func (m *RedisManager) Validate(ctx context.Context, h *Handle) error {
	res, err := m.rdb.Get(ctx, redisKeys(h.TenantID, h.Resource)[0]).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLockLost
	}
	if err != nil {
		return err
	}
	if res != h.Token {
		return ErrLockLost
	}
	return nil
}
