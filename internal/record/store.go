// Package record is the keyed record store: get/put/conditional update and
// delete over a partition (+ optional range) keyed table, with optional
// TTL expiry. Conditional mismatches are reported as false, never as
// errors; the caller decides whether to re-read or give up.
package record

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
)

// Keys maps key column names to values.
type Keys map[string]any

// Store operates on one gorm model type T.
type Store[T any] struct {
	db        *gorm.DB
	clock     clock.Clock
	ttlColumn string
}

type Option func(*options)

type options struct {
	ttlColumn string
}

// WithTTL marks column as the expiry timestamp. Rows whose expiry is in
// the past are invisible to reads and removed by Sweep.
func WithTTL(column string) Option {
	return func(o *options) { o.ttlColumn = column }
}

func New[T any](db *gorm.DB, clk clock.Clock, opts ...Option) *Store[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store[T]{db: db, clock: clk, ttlColumn: o.ttlColumn}
}

// WithTx returns a copy of the store bound to a transaction handle.
func (s *Store[T]) WithTx(tx *gorm.DB) *Store[T] {
	cp := *s
	cp.db = tx
	return &cp
}

// DB exposes the underlying handle for package-local queries.
func (s *Store[T]) DB() *gorm.DB { return s.db }

func (s *Store[T]) live(q *gorm.DB) *gorm.DB {
	if s.ttlColumn == "" {
		return q
	}
	col := clause.Column{Name: s.ttlColumn}
	return q.Where("(? IS NULL OR ? > ?)", col, col, s.clock.Now())
}

// Find returns the live record for keys or common.ErrNotFound. SQL reads
// are always consistent, so there is no separate consistent-read path.
func (s *Store[T]) Find(ctx context.Context, keys Keys) (*T, error) {
	return s.find(ctx, keys, true)
}

// FindIncludingExpired ignores the TTL column.
func (s *Store[T]) FindIncludingExpired(ctx context.Context, keys Keys) (*T, error) {
	return s.find(ctx, keys, false)
}

func (s *Store[T]) find(ctx context.Context, keys Keys, liveOnly bool) (*T, error) {
	var rec T
	q := s.db.WithContext(ctx).Where(map[string]any(keys))
	if liveOnly {
		q = s.live(q)
	}
	if err := q.Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Create inserts rec and reports false when the key already exists.
func (s *Store[T]) Create(ctx context.Context, rec *T) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Put inserts rec or overwrites every column of the existing row.
func (s *Store[T]) Put(ctx context.Context, rec *T) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// PatchWithCondition applies patch iff the stored counterField equals
// expected. The patch is applied as given; callers that version rows put
// the incremented counter in it.
func (s *Store[T]) PatchWithCondition(ctx context.Context, keys Keys, counterField string, expected int64, patch map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(new(T)).
		Where(map[string]any(keys)).
		Where(clause.Eq{Column: clause.Column{Name: counterField}, Value: expected}).
		Updates(patch)
	if res.Error != nil {
		return false, fmt.Errorf("conditional patch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteWithCondition deletes the row iff counterField equals expected.
func (s *Store[T]) DeleteWithCondition(ctx context.Context, keys Keys, counterField string, expected int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Where(map[string]any(keys)).
		Where(clause.Eq{Column: clause.Column{Name: counterField}, Value: expected}).
		Delete(new(T))
	if res.Error != nil {
		return false, fmt.Errorf("conditional delete: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete removes the row for keys and reports whether one existed.
func (s *Store[T]) Delete(ctx context.Context, keys Keys) (bool, error) {
	res := s.db.WithContext(ctx).Where(map[string]any(keys)).Delete(new(T))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Update applies patch to every row matching keys and returns the count.
func (s *Store[T]) Update(ctx context.Context, keys Keys, patch map[string]any) (int64, error) {
	res := s.db.WithContext(ctx).Model(new(T)).Where(map[string]any(keys)).Updates(patch)
	return res.RowsAffected, res.Error
}

// Query describes a range read.
type Query struct {
	Where Keys
	Conds []clause.Expression
	Order string
	Limit int
}

// Query returns live rows matching q.
func (s *Store[T]) Query(ctx context.Context, q Query) ([]T, error) {
	tx := s.live(s.db.WithContext(ctx).Model(new(T)))
	if len(q.Where) > 0 {
		tx = tx.Where(map[string]any(q.Where))
	}
	for _, c := range q.Conds {
		tx = tx.Where(c)
	}
	if q.Order != "" {
		tx = tx.Order(q.Order)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []T
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Sweep deletes expired rows. It is a no-op for stores without a TTL.
func (s *Store[T]) Sweep(ctx context.Context) (int64, error) {
	if s.ttlColumn == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where(clause.Lte{Column: clause.Column{Name: s.ttlColumn}, Value: s.clock.Now()}).
		Delete(new(T))
	return res.RowsAffected, res.Error
}

// FindConsistent is Find. SQL reads already observe every committed write.
func (s *Store[T]) FindConsistent(ctx context.Context, keys Keys) (*T, error) {
	return s.find(ctx, keys, true)
}

// Transaction runs fn against a store bound to one transaction. Every
// write made through the bound store commits or rolls back together.
func (s *Store[T]) Transaction(ctx context.Context, fn func(tx *Store[T]) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}
