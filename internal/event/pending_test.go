package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/testutil"
)

func newQueue(t *testing.T) (*PendingQueue, *clock.Fake) {
	t.Helper()
	db := testutil.OpenDB(t, &PendingEvent{})
	clk := clock.NewFake(t0)
	return NewPendingQueue(db, clk), clk
}

func TestPendingLifecycle(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	T := t0.Add(time.Minute)

	ev := &PendingEvent{EventType: LiveAgentPoll, TenantID: "1", SessionID: "s1", EventTime: T, ActiveAt: T}
	created, err := q.Create(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)

	got, err := q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "not due before active_at")

	clk.Set(T)
	got, err = q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)

	require.NoError(t, q.UpdateActionTime(ctx, &got[0], 30))
	got2, err := q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	assert.Empty(t, got2)

	clk.Advance(30 * time.Second)
	got2, err = q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	require.Len(t, got2, 1)

	deleted, err := q.Delete(ctx, got2[0])
	require.NoError(t, err)
	assert.True(t, deleted)

	clk.Advance(time.Hour)
	got2, err = q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	assert.Empty(t, got2)
}

func TestUpdateActionTime_StoresCallTimePlusSeconds(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()

	ev := &PendingEvent{EventType: PubSubPoll, TenantID: "1"}
	_, err := q.Create(ctx, ev)
	require.NoError(t, err)

	clk.Advance(7 * time.Second)
	ev.Attempts = 3
	require.NoError(t, q.UpdateActionTime(ctx, ev, 45))

	stored, err := q.Get(ctx, PubSubPoll, "1", "")
	require.NoError(t, err)
	assert.Equal(t, stored.UpdateTime.Add(45*time.Second).UTC(), stored.ActiveAt.UTC())
	assert.Equal(t, t0.Add(52*time.Second), stored.ActiveAt.UTC())
	assert.Equal(t, 3, stored.Attempts)
	assert.True(t, stored.TenantScoped())
}

func TestUpdateActionTime_NeverBeforeEventTime(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	future := t0.Add(10 * time.Minute)
	ev := &PendingEvent{EventType: PushDelivery, TenantID: "1", SessionID: "s", EventTime: future}
	_, err := q.Create(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, future, ev.ActiveAt)

	require.NoError(t, q.UpdateActionTime(ctx, ev, 5))
	stored, err := q.Get(ctx, PushDelivery, "1", "s")
	require.NoError(t, err)
	assert.Equal(t, future, stored.ActiveAt.UTC())
}

func TestUpdateActionTime_MissingEvent(t *testing.T) {
	q, _ := newQueue(t)
	err := q.UpdateActionTime(context.Background(), &PendingEvent{EventType: PushDelivery, TenantID: "x"}, 5)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdateActionTimes_ChunksAcrossBatches(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	var evs []*PendingEvent
	for i := 0; i < 2*batchSize+3; i++ {
		ev := &PendingEvent{EventType: LiveAgentPoll, TenantID: "1", SessionID: fmt.Sprintf("s%02d", i)}
		_, err := q.Create(ctx, ev)
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	// one was removed concurrently
	_, err := q.Delete(ctx, *evs[4])
	require.NoError(t, err)

	require.NoError(t, q.UpdateActionTimes(ctx, evs, 60))
	due, err := q.QueryEvents(ctx, LiveAgentPoll, 100)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSchedule_MovesEarlierOnly(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()

	later := &PendingEvent{EventType: PushDelivery, TenantID: "1", SessionID: "s", ActiveAt: t0.Add(time.Hour)}
	require.NoError(t, q.Schedule(ctx, later))

	sooner := &PendingEvent{EventType: PushDelivery, TenantID: "1", SessionID: "s", ActiveAt: t0.Add(time.Minute)}
	require.NoError(t, q.Schedule(ctx, sooner))

	evenLater := &PendingEvent{EventType: PushDelivery, TenantID: "1", SessionID: "s", ActiveAt: t0.Add(2 * time.Hour)}
	require.NoError(t, q.Schedule(ctx, evenLater))

	clk.Advance(time.Minute)
	due, err := q.QueryEvents(ctx, PushDelivery, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDeleteForSession(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for _, typ := range []PendingType{LiveAgentPoll, PushDelivery} {
		_, err := q.Create(ctx, &PendingEvent{EventType: typ, TenantID: "1", SessionID: "s"})
		require.NoError(t, err)
	}
	_, err := q.Create(ctx, &PendingEvent{EventType: LiveAgentPoll, TenantID: "1", SessionID: "other"})
	require.NoError(t, err)

	require.NoError(t, q.DeleteForSession(ctx, "1", "s"))
	due, err := q.QueryEvents(ctx, LiveAgentPoll, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "other", due[0].SessionID)
}
