// Package workmap keeps the work target to work id mapping derived from
// WORK_ACCEPTED events and answers ownership-checked lookups.
package workmap

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/record"
)

type Mapping struct {
	TenantID     string     `gorm:"primaryKey;size:64" json:"tenant_id"`
	WorkTargetID string     `gorm:"primaryKey;size:128" json:"work_target_id"`
	WorkID       string     `gorm:"size:128;not null" json:"work_id"`
	UserID       string     `gorm:"size:64;not null" json:"user_id"`
	SessionID    string     `gorm:"size:64" json:"session_id"`
	ExpiresAt    *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (Mapping) TableName() string { return "work_id_maps" }

// Cache is an optional read-through accelerator. It is never consulted
// without re-checking ownership and may lose entries at any time.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Map struct {
	rows     *record.Store[Mapping]
	clock    clock.Clock
	ttl      time.Duration
	cache    Cache
	cacheTTL time.Duration
	log      *logging.Logger
}

type Option func(*Map)

func WithTTL(d time.Duration) Option { return func(m *Map) { m.ttl = d } }

func WithCache(c Cache, ttl time.Duration) Option {
	return func(m *Map) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

func WithLogger(l *logging.Logger) Option { return func(m *Map) { m.log = l } }

func New(db *gorm.DB, clk clock.Clock, opts ...Option) *Map {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Map{
		rows:     record.New[Mapping](db, clk, record.WithTTL("expires_at")),
		clock:    clk,
		ttl:      24 * time.Hour,
		cacheTTL: 5 * time.Minute,
		log:      logging.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func cacheKey(tenantID, workTargetID string) string {
	return "workmap:" + tenantID + ":" + workTargetID
}

// Listener returns the event listener that maintains the mapping. Cache
// entries are dropped only after the event commits, so a concurrent lookup
// cannot re-cache the row the transaction is replacing.
func (m *Map) Listener() event.Listener {
	return listener{m}
}

type listener struct {
	m *Map
}

func (l listener) OnEventReceived(_ context.Context, ev event.Event) ([]event.WriteRequest, error) {
	m := l.m
	switch ev.Type {
	case event.WorkAccepted:
		var d event.WorkAcceptedData
		if err := ev.Decode(&d); err != nil {
			return nil, err
		}
		if d.WorkTargetID == "" || d.WorkID == "" {
			return nil, common.InvalidParameterf("work accepted event %d without ids", ev.SeqNo)
		}
		exp := m.clock.Now().Add(m.ttl)
		row := Mapping{
			TenantID:     ev.TenantID,
			WorkTargetID: d.WorkTargetID,
			WorkID:       d.WorkID,
			UserID:       ev.UserID,
			SessionID:    ev.SessionID,
			ExpiresAt:    &exp,
		}
		return []event.WriteRequest{func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		}}, nil
	case event.WorkEnded:
		var d event.WorkEndedData
		if err := ev.Decode(&d); err != nil {
			return nil, err
		}
		return []event.WriteRequest{func(tx *gorm.DB) error {
			q := tx.Where("tenant_id = ? AND work_target_id = ?", ev.TenantID, d.WorkTargetID)
			if d.WorkID != "" {
				q = q.Where("work_id = ?", d.WorkID)
			}
			return q.Delete(&Mapping{}).Error
		}}, nil
	}
	return nil, nil
}

func (l listener) OnEventCommitted(ctx context.Context, ev event.Event) {
	var target struct {
		WorkTargetID string `json:"work_target_id"`
	}
	switch ev.Type {
	case event.WorkAccepted, event.WorkEnded:
		if err := ev.Decode(&target); err == nil && target.WorkTargetID != "" {
			l.m.invalidate(ctx, ev.TenantID, target.WorkTargetID)
		}
	}
}

func (m *Map) invalidate(ctx context.Context, tenantID, workTargetID string) {
	if m.cache == nil {
		return
	}
	common.NeverRaise(m.log, "workmap.invalidate", func() error {
		return m.cache.Delete(ctx, cacheKey(tenantID, workTargetID))
	})
}

// GetWorkID returns the work id for workTargetID if userID owns it. An
// unknown target is ErrNotFound when the id came from the request path and
// ErrInvalidParameter otherwise; a foreign target is ErrInvalidParameter.
func (m *Map) GetWorkID(ctx context.Context, tenantID, userID, workTargetID string, inPath bool) (string, error) {
	row, err := m.lookup(ctx, tenantID, workTargetID)
	if errors.Is(err, common.ErrNotFound) {
		if inPath {
			return "", common.NotFoundf("work target %s", workTargetID)
		}
		return "", common.InvalidParameterf("unknown work target %s", workTargetID)
	}
	if err != nil {
		return "", err
	}
	if row.UserID != userID {
		return "", common.InvalidParameterf("work target %s not owned by caller", workTargetID)
	}
	return row.WorkID, nil
}

func (m *Map) lookup(ctx context.Context, tenantID, workTargetID string) (*Mapping, error) {
	now := m.clock.Now()
	key := cacheKey(tenantID, workTargetID)
	if m.cache != nil {
		var cached Mapping
		if err := m.cache.GetJSON(ctx, key, &cached); err == nil {
			if cached.ExpiresAt == nil || cached.ExpiresAt.After(now) {
				return &cached, nil
			}
		}
	}

	row, err := m.rows.Find(ctx, record.Keys{"tenant_id": tenantID, "work_target_id": workTargetID})
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		ttl := m.cacheTTL
		if row.ExpiresAt != nil {
			ttl = min(ttl, row.ExpiresAt.Sub(now))
		}
		if ttl > 0 {
			common.NeverRaise(m.log, "workmap.cache", func() error {
				return m.cache.SetJSON(ctx, key, row, ttl)
			})
		}
	}
	return row, nil
}

// Sweep removes expired mappings.
func (m *Map) Sweep(ctx context.Context) (int64, error) {
	return m.rows.Sweep(ctx)
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Mapping{}} }
