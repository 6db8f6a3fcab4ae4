package record

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/testutil"
)

type cursorRow struct {
	TenantID     string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"primaryKey;size:64"`
	Value        string
	StateCounter int64
	ExpiresAt    *time.Time
}

func (cursorRow) TableName() string { return "cursors" }

func newTestStore(t *testing.T) (*Store[cursorRow], *clock.Fake) {
	t.Helper()
	db := testutil.OpenDB(t, &cursorRow{})
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New[cursorRow](db, clk, WithTTL("expires_at")), clk
}

func TestCreateFailsOnExistingKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Create(ctx, &cursorRow{TenantID: "1", Name: "a", Value: "first"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Create(ctx, &cursorRow{TenantID: "1", Name: "a", Value: "second"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Find(ctx, Keys{"tenant_id": "1", "name": "a"})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Value)
}

func TestFindMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Find(context.Background(), Keys{"tenant_id": "1", "name": "nope"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPatchWithCondition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	keys := Keys{"tenant_id": "1", "name": "a"}
	_, err := s.Create(ctx, &cursorRow{TenantID: "1", Name: "a", StateCounter: 1})
	require.NoError(t, err)

	ok, err := s.PatchWithCondition(ctx, keys, "state_counter", 0, map[string]any{"value": "stale", "state_counter": 1})
	require.NoError(t, err)
	assert.False(t, ok, "mismatch must not apply and must not error")

	ok, err = s.PatchWithCondition(ctx, keys, "state_counter", 1, map[string]any{"value": "fresh", "state_counter": 2})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Find(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Value)
	assert.Equal(t, int64(2), got.StateCounter)
}

func TestDeleteWithCondition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	keys := Keys{"tenant_id": "1", "name": "a"}
	_, err := s.Create(ctx, &cursorRow{TenantID: "1", Name: "a", StateCounter: 3})
	require.NoError(t, err)

	ok, err := s.DeleteWithCondition(ctx, keys, "state_counter", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteWithCondition(ctx, keys, "state_counter", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Find(ctx, keys)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTTLHidesAndSweepsExpiredRows(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	exp := clk.Now().Add(time.Minute)
	_, err := s.Create(ctx, &cursorRow{TenantID: "1", Name: "ttl", ExpiresAt: &exp})
	require.NoError(t, err)
	_, err = s.Create(ctx, &cursorRow{TenantID: "1", Name: "forever"})
	require.NoError(t, err)

	_, err = s.Find(ctx, Keys{"tenant_id": "1", "name": "ttl"})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = s.Find(ctx, Keys{"tenant_id": "1", "name": "ttl"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	raw, err := s.FindIncludingExpired(ctx, Keys{"tenant_id": "1", "name": "ttl"})
	require.NoError(t, err)
	assert.Equal(t, "ttl", raw.Name)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.Query(ctx, Query{Where: Keys{"tenant_id": "1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "forever", rows[0].Name)
}

func TestPutOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &cursorRow{TenantID: "1", Name: "a", Value: "x"}))
	require.NoError(t, s.Put(ctx, &cursorRow{TenantID: "1", Name: "a", Value: "y"}))

	got, err := s.Find(ctx, Keys{"tenant_id": "1", "name": "a"})
	require.NoError(t, err)
	assert.Equal(t, "y", got.Value)
}
