package liveagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/session"
)

func TestSettingsRoundTrip(t *testing.T) {
	in := Settings{SessionKey: "k", AffinityToken: "a", Ack: 7, PollCount: 3, WorkID: "w", WorkTargetID: "wt"}
	b, err := EncodeSettings(in)
	require.NoError(t, err)
	out, err := DecodeSettings(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, empty)
}

func newPlatform(t *testing.T, h http.HandlerFunc) (*Platform, polling.Target) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p := NewPlatform(NewClient("", "56", time.Second), 2*time.Second, nil)
	return p, polling.Target{TenantID: "1", SessionID: "s1", Session: &session.Session{InstanceURL: srv.URL}}
}

func TestPoll_StartsSessionThenMapsMessages(t *testing.T) {
	p, target := newPlatform(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "56", r.Header.Get(headerAPIVersion))
		switch r.URL.Path {
		case "/chat/rest/System/SessionId":
			_, _ = w.Write([]byte(`{"id":"id1","key":"key1","affinityToken":"aff1"}`))
		case "/chat/rest/System/Messages":
			assert.Equal(t, "key1", r.Header.Get(headerSessionKey))
			assert.Equal(t, "aff1", r.Header.Get(headerAffinity))
			assert.Equal(t, "0", r.URL.Query().Get("ack"))
			_, _ = w.Write([]byte(`{"sequence":4,"messages":[
				{"type":"ChatEstablished","message":{"workId":"w1","workTargetId":"wt1"}},
				{"type":"AgentTyping","message":{}},
				{"type":"ChatMessage","message":{"name":"Ann","text":"hi"}}
			]}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	initial, err := p.InitialSettings()
	require.NoError(t, err)
	res, err := p.Poll(ctx, target, initial)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	s, err := DecodeSettings(res.Settings)
	require.NoError(t, err)
	assert.Equal(t, "key1", s.SessionKey)

	res, err = p.Poll(ctx, target, res.Settings)
	require.NoError(t, err)
	assert.Equal(t, polling.Continue, res.Outcome)
	assert.Equal(t, 2*time.Second, res.NextPoll)
	require.Len(t, res.Events, 2)
	assert.Equal(t, event.WorkAccepted, res.Events[0].Type)
	assert.Equal(t, event.WorkAcceptedData{WorkID: "w1", WorkTargetID: "wt1"}, res.Events[0].Payload)
	assert.Equal(t, event.ChatMessage, res.Events[1].Type)

	s, err = DecodeSettings(res.Settings)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Ack)
	assert.Equal(t, int64(1), s.PollCount)
	assert.Equal(t, "wt1", s.WorkTargetID)
}

func TestPoll_ChatEndedFinishes(t *testing.T) {
	p, target := newPlatform(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sequence":9,"messages":[{"type":"ChatEnded","message":{}}]}`))
	})
	raw, err := EncodeSettings(Settings{SessionKey: "k", Ack: 8, WorkID: "w1", WorkTargetID: "wt1"})
	require.NoError(t, err)

	res, err := p.Poll(context.Background(), target, raw)
	require.NoError(t, err)
	assert.Equal(t, polling.Done, res.Outcome)
	require.Len(t, res.Events, 2)
	assert.Equal(t, event.WorkEnded, res.Events[0].Type)
	assert.Equal(t, event.SessionDeleted, res.Events[1].Type)
}

func TestPoll_StatusMapping(t *testing.T) {
	raw, err := EncodeSettings(Settings{SessionKey: "k"})
	require.NoError(t, err)

	cases := []struct {
		status    int
		revoked   bool
		transient bool
	}{
		{status: http.StatusNoContent},
		{status: http.StatusForbidden, revoked: true},
		{status: http.StatusNotFound, revoked: true},
		{status: http.StatusServiceUnavailable, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusConflict, transient: true},
	}
	for _, tc := range cases {
		p, target := newPlatform(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		res, err := p.Poll(context.Background(), target, raw)
		switch {
		case tc.revoked:
			assert.ErrorIs(t, err, polling.ErrSessionRevoked, "status %d", tc.status)
		case tc.transient:
			assert.True(t, polling.IsTransient(err), "status %d", tc.status)
		default:
			require.NoError(t, err)
			assert.Empty(t, res.Events)
			assert.Equal(t, polling.Continue, res.Outcome)
		}
	}
}

func TestPoll_NetworkErrorIsTransient(t *testing.T) {
	p := NewPlatform(NewClient("http://127.0.0.1:1", "56", 200*time.Millisecond), time.Second, nil)
	raw, err := EncodeSettings(Settings{SessionKey: "k"})
	require.NoError(t, err)
	_, err = p.Poll(context.Background(), polling.Target{TenantID: "1"}, raw)
	assert.True(t, polling.IsTransient(err))
}
