package session

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/record"
)

// Repository reads and writes sessions and their context records. Context
// updates follow the optimistic lock protocol and never retry internally.
type Repository struct {
	db       *gorm.DB
	clock    clock.Clock
	sessions *record.Store[Session]
	contexts *record.Store[SessionContext]
	tenants  *record.Store[TenantContext]
}

func NewRepository(db *gorm.DB, clk clock.Clock) *Repository {
	if clk == nil {
		clk = clock.Real()
	}
	return &Repository{
		db:       db,
		clock:    clk,
		sessions: record.New[Session](db, clk, record.WithTTL("expires_at")),
		contexts: record.New[SessionContext](db, clk),
		tenants:  record.New[TenantContext](db, clk),
	}
}

func sessionKeys(tenantID, sessionID string) record.Keys {
	return record.Keys{"tenant_id": tenantID, "session_id": sessionID}
}

func contextKeys(tenantID, sessionID string, ct ContextType) record.Keys {
	return record.Keys{"tenant_id": tenantID, "session_id": sessionID, "context_type": ct}
}

func tenantKeys(tenantID string, ct ContextType) record.Keys {
	return record.Keys{"tenant_id": tenantID, "context_type": ct}
}

// CreateSession stores s, deriving its expiry from ExpirationSeconds.
// Returns common.ErrAlreadyExists on a duplicate id.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	now := r.clock.Now()
	s.CreatedAt = now
	if s.ExpirationSeconds > 0 {
		exp := now.Add(time.Duration(s.ExpirationSeconds) * time.Second)
		s.ExpiresAt = &exp
	}
	created, err := r.sessions.Create(ctx, s)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		return fmt.Errorf("session %s: %w", s.SessionID, common.ErrAlreadyExists)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return r.sessions.Find(ctx, sessionKeys(tenantID, sessionID))
}

// DeleteSession removes the session and all of its contexts.
func (r *Repository) DeleteSession(ctx context.Context, tenantID, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.deleteSessionTx(tx, tenantID, sessionID)
	})
}

func (r *Repository) deleteSessionTx(tx *gorm.DB, tenantID, sessionID string) error {
	ctx := tx.Statement.Context
	if _, err := r.contexts.WithTx(tx).Delete(ctx, sessionKeys(tenantID, sessionID)); err != nil {
		return err
	}
	_, err := r.sessions.WithTx(tx).Delete(ctx, sessionKeys(tenantID, sessionID))
	return err
}

func (r *Repository) GetContext(ctx context.Context, tenantID, sessionID string, ct ContextType) (*SessionContext, error) {
	return r.contexts.Find(ctx, contextKeys(tenantID, sessionID, ct))
}

// UpdateOrCreateContext writes c if the stored counter still equals
// c.StateCounter, creating the row when there is none. On success
// c.StateCounter holds the new counter. Any race surfaces as
// common.ErrOptimisticLock.
func (r *Repository) UpdateOrCreateContext(ctx context.Context, c *SessionContext) error {
	expected := c.StateCounter
	keys := contextKeys(c.TenantID, c.SessionID, c.ContextType)
	ok, err := r.contexts.PatchWithCondition(ctx, keys, "state_counter", expected, map[string]any{
		"serialized_settings": c.SerializedSettings,
		"user_id":             c.UserID,
		"state_counter":       expected + 1,
	})
	if err != nil {
		return err
	}
	if !ok {
		row := *c
		row.StateCounter = expected + 1
		created, err := r.contexts.Create(ctx, &row)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("session context %s/%s/%s at %d: %w", c.TenantID, c.SessionID, c.ContextType, expected, common.ErrOptimisticLock)
		}
	}
	c.StateCounter = expected + 1
	return nil
}

func (r *Repository) DeleteContext(ctx context.Context, tenantID, sessionID string, ct ContextType) error {
	_, err := r.contexts.Delete(ctx, contextKeys(tenantID, sessionID, ct))
	return err
}

func (r *Repository) GetTenantContext(ctx context.Context, tenantID string, ct ContextType) (*TenantContext, error) {
	return r.tenants.Find(ctx, tenantKeys(tenantID, ct))
}

// UpdateOrCreateTenantContext is UpdateOrCreateContext for tenant contexts.
func (r *Repository) UpdateOrCreateTenantContext(ctx context.Context, c *TenantContext) error {
	expected := c.StateCounter
	keys := tenantKeys(c.TenantID, c.ContextType)
	ok, err := r.tenants.PatchWithCondition(ctx, keys, "state_counter", expected, map[string]any{
		"data":          c.Data,
		"state_counter": expected + 1,
	})
	if err != nil {
		return err
	}
	if !ok {
		row := *c
		row.StateCounter = expected + 1
		created, err := r.tenants.Create(ctx, &row)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("tenant context %s/%s at %d: %w", c.TenantID, c.ContextType, expected, common.ErrOptimisticLock)
		}
	}
	c.StateCounter = expected + 1
	return nil
}

// DeleteTenantContext drops the tenant context regardless of its counter.
func (r *Repository) DeleteTenantContext(ctx context.Context, tenantID string, ct ContextType) error {
	_, err := r.tenants.Delete(ctx, tenantKeys(tenantID, ct))
	return err
}

// Sweep removes expired sessions together with their contexts.
func (r *Repository) Sweep(ctx context.Context) (int64, error) {
	var expired []Session
	err := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", r.clock.Now()).
		Limit(500).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range expired {
		if err := r.DeleteSession(ctx, s.TenantID, s.SessionID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
