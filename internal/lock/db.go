package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/record"
)

type lockRow struct {
	TenantID  string    `gorm:"primaryKey;size:64"`
	Resource  string    `gorm:"primaryKey;size:191"`
	Holder    string    `gorm:"size:26;not null"`
	Fence     int64     `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (lockRow) TableName() string { return "resource_locks" }

// Models lists the tables DBManager needs migrated.
func Models() []any { return []any{&lockRow{}} }

// DBManager keeps leases in the record store. Released leases are expired
// rather than deleted so the fence keeps increasing per key.
type DBManager struct {
	rows  *record.Store[lockRow]
	clock clock.Clock
}

func NewDBManager(db *gorm.DB, clk clock.Clock) *DBManager {
	if clk == nil {
		clk = clock.Real()
	}
	return &DBManager{rows: record.New[lockRow](db, clk), clock: clk}
}

func lockKeys(tenantID, resource string) record.Keys {
	return record.Keys{"tenant_id": tenantID, "resource": resource}
}

func (m *DBManager) Acquire(ctx context.Context, tenantID, resource string, maxHold time.Duration) (*Handle, error) {
	token, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	expires := now.Add(maxHold)

	row := lockRow{TenantID: tenantID, Resource: resource, Holder: token, Fence: 1, ExpiresAt: expires}
	created, err := m.rows.Create(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s/%s: %w", tenantID, resource, err)
	}
	if created {
		return &Handle{TenantID: tenantID, Resource: resource, Token: token, Fence: 1, ExpiresAt: expires}, nil
	}

	cur, err := m.rows.FindIncludingExpired(ctx, lockKeys(tenantID, resource))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// removed between our insert and read; let the caller retry
			return nil, common.ErrLockUnavailable
		}
		return nil, err
	}
	if cur.ExpiresAt.After(now) {
		return nil, common.ErrLockUnavailable
	}

	fence := cur.Fence + 1
	ok, err := m.rows.PatchWithCondition(ctx, lockKeys(tenantID, resource), "fence", cur.Fence, map[string]any{
		"holder":     token,
		"fence":      fence,
		"expires_at": expires,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrLockUnavailable
	}
	return &Handle{TenantID: tenantID, Resource: resource, Token: token, Fence: fence, ExpiresAt: expires}, nil
}

func (m *DBManager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := m.rows.PatchWithCondition(ctx, lockKeys(h.TenantID, h.Resource), "fence", h.Fence, map[string]any{
		"expires_at": m.clock.Now(),
	})
	return err
}

func (m *DBManager) Validate(ctx context.Context, h *Handle) error {
	cur, err := m.rows.FindIncludingExpired(ctx, lockKeys(h.TenantID, h.Resource))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return ErrLockLost
		}
		return err
	}
	if cur.Holder != h.Token || cur.Fence != h.Fence || !cur.ExpiresAt.After(m.clock.Now()) {
		return ErrLockLost
	}
	return nil
}
