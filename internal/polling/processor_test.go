package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/metrics"
	"github.com/suPer8Hu/eventshim/internal/session"
	"github.com/suPer8Hu/eventshim/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// scriptedPlatform answers polls from a queue of canned replies.
type scriptedPlatform struct {
	tenant bool

	mu      sync.Mutex
	replies []reply
	seen    [][]byte
	onPoll  func()
}

type reply struct {
	res Result
	err error
}

func (s *scriptedPlatform) ContextType() session.ContextType {
	if s.tenant {
		return session.PubSub
	}
	return session.LiveAgent
}

func (s *scriptedPlatform) PendingType() event.PendingType {
	if s.tenant {
		return event.PubSubPoll
	}
	return event.LiveAgentPoll
}

func (s *scriptedPlatform) TenantScoped() bool               { return s.tenant }
func (s *scriptedPlatform) InitialSettings() ([]byte, error) { return []byte("cursor-0"), nil }

func (s *scriptedPlatform) Poll(_ context.Context, _ Target, settings []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, settings)
	if s.onPoll != nil {
		s.onPoll()
	}
	if len(s.replies) == 0 {
		return Result{}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.res, r.err
}

type fixture struct {
	clock    *clock.Fake
	repo     *session.Repository
	svc      *session.Service
	events   *event.Log
	pending  *event.PendingQueue
	locks    *lock.DBManager
	platform *scriptedPlatform
	proc     *Processor
}

func newFixture(t *testing.T, tenant bool, replies ...reply) fixture {
	t.Helper()
	models := append(session.Models(), event.Models()...)
	db := testutil.OpenDB(t, append(models, lock.Models()...)...)
	clk := clock.NewFake(t0)
	locks := lock.NewDBManager(db, clk)
	repo := session.NewRepository(db, clk)
	events := event.NewLog(db, clk, locks)
	pending := event.NewPendingQueue(db, clk)
	pf := &scriptedPlatform{tenant: tenant, replies: replies}
	svc := session.NewService(repo, events, pending, clk, nil, pf)
	events.AddListener(svc.Listener())
	proc := NewProcessor(pf, pending, repo, events, locks,
		WithClock(clk),
		WithBackoff(Backoff{Base: 2 * time.Second, Max: time.Minute}, 3),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	return fixture{clock: clk, repo: repo, svc: svc, events: events, pending: pending, locks: locks, platform: pf, proc: proc}
}

func (f fixture) establish(t *testing.T) *session.Session {
	t.Helper()
	s, err := f.svc.Establish(context.Background(), session.EstablishRequest{TenantID: "1", UserID: "u1", ExpirationSeconds: 3600})
	require.NoError(t, err)
	return s
}

func TestRun_ContinueAppendsEventsAndAdvancesContext(t *testing.T) {
	f := newFixture(t, false, reply{res: Result{
		Settings: []byte("cursor-1"),
		Events:   []event.Draft{{Type: event.ChatMessage, Payload: event.ChatMessageData{Text: "hello"}}},
		NextPoll: 10 * time.Second,
	}})
	ctx := context.Background()
	s := f.establish(t)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Leased)
	assert.Equal(t, 1, stats.Continued)
	assert.Equal(t, [][]byte{[]byte("cursor-0")}, f.platform.seen)

	sc, err := f.repo.GetContext(ctx, "1", s.SessionID, session.LiveAgent)
	require.NoError(t, err)
	assert.Equal(t, []byte("cursor-1"), sc.SerializedSettings)
	assert.Equal(t, int64(2), sc.StateCounter)

	evs, err := f.events.QuerySession(ctx, "1", s.SessionID, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, event.ChatMessage, evs[1].Type)
	assert.Equal(t, "u1", evs[1].UserID)

	pe, err := f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), pe.ActiveAt.UTC())
	assert.Zero(t, pe.Attempts)

	// not due again until the next poll time
	stats, err = f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Leased)
}

func TestRun_TransientFailureBacksOffThenGivesUp(t *testing.T) {
	boom := Transient(errors.New("503"))
	f := newFixture(t, false, reply{err: boom}, reply{err: boom}, reply{err: boom})
	ctx := context.Background()
	s := f.establish(t)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
	pe, err := f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, t0.Add(2*time.Second), pe.ActiveAt.UTC())

	f.clock.Advance(2 * time.Second)
	_, err = f.proc.Run(ctx, nil)
	require.NoError(t, err)
	pe, err = f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, pe.Attempts)
	assert.Equal(t, f.clock.Now().Add(4*time.Second), pe.ActiveAt.UTC())

	f.clock.Advance(4 * time.Second)
	stats, err = f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)

	_, err = f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = f.repo.GetSession(ctx, "1", s.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRun_RevokedSessionIsDeleted(t *testing.T) {
	f := newFixture(t, false, reply{err: ErrSessionRevoked})
	ctx := context.Background()
	s := f.establish(t)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)

	evs, err := f.events.QuerySession(ctx, "1", s.SessionID, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, event.SessionDeleted, evs[1].Type)
	var d event.SessionDeletedData
	require.NoError(t, evs[1].Decode(&d))
	assert.Equal(t, "revoked", d.Reason)

	_, err = f.repo.GetContext(ctx, "1", s.SessionID, session.LiveAgent)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRun_DoneDeletesPending(t *testing.T) {
	f := newFixture(t, false, reply{res: Result{Outcome: Done, Settings: []byte("ignored")}})
	ctx := context.Background()
	s := f.establish(t)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	_, err = f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRun_LockContentionReschedules(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.establish(t)

	_, err := f.locks.Acquire(ctx, "1", "poll:LIVE_AGENT_POLL:"+s.SessionID, time.Minute)
	require.NoError(t, err)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Contended)
	assert.Empty(t, f.platform.seen)

	pe, err := f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Second), pe.ActiveAt.UTC())
}

func TestRun_ShutdownLeavesItemsDue(t *testing.T) {
	f := newFixture(t, false)
	s := f.establish(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := f.proc.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrPollingShutdown)
	assert.Zero(t, stats.Leased)
	assert.Empty(t, f.platform.seen)

	pe, err := f.pending.Get(context.Background(), event.LiveAgentPoll, "1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, t0, pe.ActiveAt.UTC())

	budget := NewBudget(f.clock, 10*time.Second, 10*time.Second)
	_, err = f.proc.Run(context.Background(), budget)
	assert.ErrorIs(t, err, ErrPollingShutdown)
}

func TestRun_ShutdownDuringItemStartsNoOther(t *testing.T) {
	f := newFixture(t, false)
	f.proc.concurrency = 1
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.establish(t).SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.platform.onPoll = cancel

	stats, err := f.proc.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrPollingShutdown)
	assert.Equal(t, 3, stats.Leased)
	assert.Equal(t, 1, stats.Continued, "the item in flight finishes")
	assert.Len(t, f.platform.seen, 1)

	due := 0
	for _, id := range ids {
		pe, err := f.pending.Get(context.Background(), event.LiveAgentPoll, "1", id)
		require.NoError(t, err)
		if pe.ActiveAt.UTC().Equal(t0) {
			due++
		}
	}
	assert.Equal(t, 2, due, "items not started stay due")
}

func TestRun_PermanentFailureEndsSession(t *testing.T) {
	f := newFixture(t, false, reply{err: errors.New("liveagent: decode: unexpected EOF")})
	ctx := context.Background()
	s := f.establish(t)

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Zero(t, stats.Retried)

	_, err = f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	evs, err := f.events.QuerySession(ctx, "1", s.SessionID, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	var d event.SessionDeletedData
	require.NoError(t, evs[1].Decode(&d))
	assert.Equal(t, "poll_failed", d.Reason)
}

func TestRun_SessionGoneDropsPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.establish(t)
	require.NoError(t, f.repo.DeleteSession(ctx, "1", s.SessionID))

	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	_, err = f.pending.Get(ctx, event.LiveAgentPoll, "1", s.SessionID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRun_TenantScoped(t *testing.T) {
	f := newFixture(t, true,
		reply{res: Result{Settings: []byte("replay-7"), Events: []event.Draft{{Type: event.BusEvent}}}},
		reply{err: ErrSessionRevoked},
	)
	ctx := context.Background()
	f.establish(t)

	_, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	tc, err := f.repo.GetTenantContext(ctx, "1", session.PubSub)
	require.NoError(t, err)
	assert.Equal(t, []byte("replay-7"), tc.Data)
	assert.Equal(t, int64(2), tc.StateCounter)

	f.clock.Advance(time.Second)
	stats, err := f.proc.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)

	evs, err := f.events.Query(ctx, "1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, event.SubscriptionStopped, evs[len(evs)-1].Type)
	assert.Empty(t, evs[len(evs)-1].SessionID)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second}
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(60))
}

func TestBudget(t *testing.T) {
	clk := clock.NewFake(t0)
	b := NewBudget(clk, 50*time.Second, 5*time.Second)
	assert.Equal(t, 45*time.Second, b.Remaining())
	clk.Advance(44 * time.Second)
	assert.False(t, b.Exhausted())
	clk.Advance(time.Second)
	assert.True(t, b.Exhausted())

	var unlimited *Budget
	assert.False(t, unlimited.Exhausted())
}

func TestRegistry(t *testing.T) {
	f := newFixture(t, false)
	r := NewRegistry()
	r.Register(f.proc)

	p, err := r.Get(" live_agent_poll ")
	require.NoError(t, err)
	assert.Same(t, f.proc, p)
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
	assert.Equal(t, []event.PendingType{event.LiveAgentPoll}, r.Types())
}
