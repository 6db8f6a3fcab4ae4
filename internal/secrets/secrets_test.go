package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/testutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.OpenDB(t, Models()...)
	s, err := NewStore(db, nil, bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func TestCreateGetRotate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "pubsub", []byte(`{"token":"abc"}`)))
	assert.ErrorIs(t, s.Create(ctx, "pubsub", []byte("x")), common.ErrAlreadyExists)

	var cred struct {
		Token string `json:"token"`
	}
	require.NoError(t, s.GetJSON(ctx, "pubsub", &cred))
	assert.Equal(t, "abc", cred.Token)

	v, err := s.Rotate(ctx, "pubsub", []byte(`{"token":"def"}`), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	_, err = s.Rotate(ctx, "pubsub", []byte("stale"), 1)
	assert.ErrorIs(t, err, common.ErrOptimisticLock)

	sec, err := s.Get(ctx, "pubsub")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sec.Version)
	assert.JSONEq(t, `{"token":"def"}`, string(sec.Value))
}

func TestSealedAtRest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "k", []byte("plaintext-value")))

	row, err := s.rows.Find(ctx, map[string]any{"name": "k"})
	require.NoError(t, err)
	assert.NotContains(t, string(row.Sealed), "plaintext-value")

	other, err := NewStore(s.rows.DB(), nil, bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	_, err = other.Get(ctx, "k")
	assert.ErrorIs(t, err, errOpen)
}

func TestMissingAndBadKey(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = NewStore(nil, nil, []byte("short"))
	var cfgErr *common.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
