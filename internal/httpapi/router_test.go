package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/eventshim/internal/auth"
	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/httpapi/handlers"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/metrics"
	"github.com/suPer8Hu/eventshim/internal/push"
	"github.com/suPer8Hu/eventshim/internal/session"
	"github.com/suPer8Hu/eventshim/internal/testutil"
	"github.com/suPer8Hu/eventshim/internal/workmap"
)

const secret = "test-secret"

type stubNotifier struct{ err error }

func (stubNotifier) Prefix() string { return "" }

func (s stubNotifier) Notify(context.Context, string, []byte, bool) error { return s.err }

type apiFixture struct {
	router   *gin.Engine
	log      *event.Log
	notifier *stubNotifier
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var models []any
	for _, m := range [][]any{lock.Models(), event.Models(), session.Models(), workmap.Models(), push.Models()} {
		models = append(models, m...)
	}
	db := testutil.OpenDB(t, models...)
	clk := clock.Real()
	locks := lock.NewDBManager(db, clk)

	reg := prometheus.NewRegistry()
	log := event.NewLog(db, clk, locks, event.WithMetrics(metrics.New(reg)))
	pending := event.NewPendingQueue(db, clk)
	sessions := session.NewService(session.NewRepository(db, clk), log, pending, clk, nil)
	work := workmap.New(db, clk)
	queue := push.NewQueue(db, clk)
	log.AddListener(sessions.Listener())
	log.AddListener(work.Listener())
	log.AddListener(queue.Listener(pending))

	notifier := &stubNotifier{}
	h := handlers.NewHandler(sessions, log, queue, push.MustNewManager(notifier), work)
	return apiFixture{router: NewRouter(h, secret, reg, logging.Nop()), log: log, notifier: notifier}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f apiFixture) do(t *testing.T, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.IssueToken(secret, "t1", user, time.Hour, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func TestPingAndRouting(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Code)

	code, env = f.do(t, http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 40400, env.Code)

	code, _ = f.do(t, http.MethodPut, "/ping", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, env = f.do(t, http.MethodPost, "/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, 40100, env.Code)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, http.MethodPost, "/sessions", "alice", map[string]any{"expiration_seconds": 600})
	require.Equal(t, http.StatusOK, code, env.Message)
	var sess session.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	require.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "alice", sess.UserID)

	code, env = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Events []struct {
			SeqNo int64      `json:"seq_no"`
			Type  event.Type `json:"event_type"`
		} `json:"events"`
		NextSeq int64 `json:"next_seq"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, event.SessionCreated, page.Events[0].Type)
	assert.Equal(t, page.Events[0].SeqNo, page.NextSeq)

	code, _ = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/events", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, code, "other users cannot see the session")
	code, _ = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/events?from_seq=-1", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/sessions/"+sess.SessionID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodDelete, "/sessions/"+sess.SessionID+"?reason=logout", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/events", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code, "session state dropped with SESSION_DELETED")
}

func TestSubscribe(t *testing.T) {
	f := newAPI(t)
	_, env := f.do(t, http.MethodPost, "/sessions", "alice", nil)
	var sess session.Session
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	path := "/sessions/" + sess.SessionID + "/subscription"

	code, _ := f.do(t, http.MethodPost, path, "alice", map[string]string{"token": "dev"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = f.do(t, http.MethodPost, path, "alice", map[string]string{"token": "dev", "platform_channel_type": "PAGER"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 40000, env.Code)
	code, _ = f.do(t, http.MethodPost, path, "alice", map[string]string{"token": "dev", "platform_channel_type": "IOS"})
	assert.Equal(t, http.StatusOK, code)
}

func TestWorkIDOwnership(t *testing.T) {
	f := newAPI(t)
	_, err := f.log.Append(context.Background(), event.Draft{
		TenantID:  "t1",
		SessionID: "s1",
		UserID:    "alice",
		Type:      event.WorkAccepted,
		Payload:   event.WorkAcceptedData{WorkID: "0Mw1", WorkTargetID: "570x"},
	})
	require.NoError(t, err)

	code, env := f.do(t, http.MethodGet, "/work/570x", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"work_target_id":"570x","work_id":"0Mw1"}`, string(env.Data))

	code, _ = f.do(t, http.MethodGet, "/work?work_target_id=570x", "alice", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/work/570x", "mallory", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/work/unknown", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/work?work_target_id=unknown", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/work", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPushTest(t *testing.T) {
	f := newAPI(t)

	code, _ := f.do(t, http.MethodPost, "/push/test", "alice", map[string]string{"token": "device-1"})
	assert.Equal(t, http.StatusOK, code)

	f.notifier.err = common.ErrInvalidToken
	code, env := f.do(t, http.MethodPost, "/push/test", "alice", map[string]string{"token": "bad"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 40002, env.Code)

	f.notifier.err = assert.AnError
	code, _ = f.do(t, http.MethodPost, "/push/test", "alice", map[string]string{"token": "device-1"})
	assert.Equal(t, http.StatusBadGateway, code)
}
