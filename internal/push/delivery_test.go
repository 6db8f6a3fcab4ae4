package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/testutil"
)

type deliveryFixture struct {
	clock    *clock.Fake
	log      *event.Log
	queue    *Queue
	pending  *event.PendingQueue
	notifier *fakeNotifier
	proc     *DeliveryProcessor
}

func newDeliveryFixture(t *testing.T) deliveryFixture {
	t.Helper()
	db := testutil.OpenDB(t, append(append(Models(), event.Models()...), lock.Models()...)...)
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	locks := lock.NewDBManager(db, clk)
	log := event.NewLog(db, clk, locks)
	pending := event.NewPendingQueue(db, clk)
	queue := NewQueue(db, clk)
	log.AddListener(queue.Listener(pending))

	notifier := &fakeNotifier{}
	proc := NewDeliveryProcessor(queue, pending, MustNewManager(notifier), locks, clk, nil)
	proc.Backoff = polling.Backoff{Base: 2 * time.Second, Max: time.Minute}
	proc.MaxAttempts = 3
	return deliveryFixture{clock: clk, log: log, queue: queue, pending: pending, notifier: notifier, proc: proc}
}

func (f deliveryFixture) chat(t *testing.T, text string) {
	t.Helper()
	_, err := f.log.Append(context.Background(), event.Draft{
		TenantID:  "1",
		SessionID: "s1",
		UserID:    "u1",
		Type:      event.ChatMessage,
		Payload:   event.ChatMessageData{Text: text},
	})
	require.NoError(t, err)
}

func TestListener_OnlySubscribedSessions(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	f.chat(t, "before subscribe")
	due, err := f.pending.QueryEvents(ctx, event.PushDelivery, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.ErrorIs(t, f.queue.Subscribe(ctx, &Subscription{TenantID: "1", SessionID: "s1", Token: "t", PlatformChannelType: "PAGER"}), common.ErrInvalidParameter)
	require.NoError(t, f.queue.Subscribe(ctx, &Subscription{TenantID: "1", SessionID: "s1", Token: "dev-1", PlatformChannelType: ChannelIOS}))
	f.chat(t, "after subscribe")

	notes, err := f.queue.Unsent(ctx, "1", "s1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	var body struct {
		Type event.Type      `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(notes[0].Message, &body))
	assert.Equal(t, event.ChatMessage, body.Type)
	assert.Contains(t, string(body.Data), "after subscribe")

	due, err = f.pending.QueryEvents(ctx, event.PushDelivery, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDelivery_SendsInOrderAndFinishes(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Subscribe(ctx, &Subscription{TenantID: "1", SessionID: "s1", Token: "dev-1", PlatformChannelType: ChannelAndroid}))
	f.chat(t, "one")
	f.chat(t, "two")

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Finished)
	assert.Equal(t, []string{"dev-1", "dev-1"}, f.notifier.calls)

	notes, err := f.queue.Unsent(ctx, "1", "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, notes)
	_, err = f.pending.Get(ctx, event.PushDelivery, "1", "s1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDelivery_FailureBacksOffAndKeepsNotification(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Subscribe(ctx, &Subscription{TenantID: "1", SessionID: "s1", Token: "dev-1", PlatformChannelType: ChannelWeb}))
	f.chat(t, "hello")
	f.notifier.err = assert.AnError

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	pe, err := f.pending.Get(ctx, event.PushDelivery, "1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, pe.Attempts)
	assert.WithinDuration(t, f.clock.Now().Add(2*time.Second), pe.ActiveAt, time.Second)
	notes, err := f.queue.Unsent(ctx, "1", "s1", 10)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	f.notifier.err = nil
	f.clock.Advance(2 * time.Second)
	stats, err = f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}

func TestSessionDeletedEndsSubscriptionAfterFinalNotice(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.Subscribe(ctx, &Subscription{TenantID: "1", SessionID: "s1", Token: "dev-1", PlatformChannelType: ChannelIOS}))

	_, err := f.log.Append(ctx, event.Draft{TenantID: "1", SessionID: "s1", Type: event.SessionDeleted, Payload: event.SessionDeletedData{Reason: "closed"}})
	require.NoError(t, err)

	_, err = f.queue.Subscription(ctx, "1", "s1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
}
