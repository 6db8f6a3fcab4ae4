package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/push"
	"github.com/suPer8Hu/eventshim/internal/session"
)

type createSessionReq struct {
	AccessToken       string `json:"access_token"`
	InstanceURL       string `json:"instance_url"`
	ExpirationSeconds int    `json:"expiration_seconds"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	tenantID, userID, ok := caller(c)
	if !ok {
		return
	}
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.Sessions.Establish(c.Request.Context(), session.EstablishRequest{
		TenantID:          tenantID,
		UserID:            userID,
		AccessToken:       req.AccessToken,
		InstanceURL:       req.InstanceURL,
		ExpirationSeconds: req.ExpirationSeconds,
	})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	tenantID, userID, ok := caller(c)
	if !ok {
		return
	}
	if err := h.Sessions.Close(c.Request.Context(), tenantID, userID, c.Param("session_id"), c.Query("reason")); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"session_id": c.Param("session_id")})
}

// ownSession loads the session and hides sessions of other users.
func (h *Handler) ownSession(c *gin.Context, tenantID, userID string) (*session.Session, bool) {
	sessionID := c.Param("session_id")
	sess, err := h.Sessions.Repository().GetSession(c.Request.Context(), tenantID, sessionID)
	if err == nil && sess.UserID != userID {
		err = common.NotFoundf("session %s", sessionID)
	}
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) ListEvents(c *gin.Context) {
	tenantID, userID, ok := caller(c)
	if !ok {
		return
	}
	sess, ok := h.ownSession(c, tenantID, userID)
	if !ok {
		return
	}

	var fromSeq int64
	if s := c.Query("from_seq"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			common.Fail(c, http.StatusBadRequest, 40000, "from_seq must be a non-negative integer")
			return
		}
		fromSeq = n
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := h.Events.QuerySession(c.Request.Context(), tenantID, sess.SessionID, fromSeq, limit)
	if err != nil {
		fail(c, err)
		return
	}
	next := fromSeq
	if len(events) > 0 {
		next = events[len(events)-1].SeqNo
	}
	common.OK(c, gin.H{"events": events, "next_seq": next})
}

type subscribeReq struct {
	Token               string `json:"token" binding:"required"`
	PlatformChannelType string `json:"platform_channel_type" binding:"required"`
}

func (h *Handler) Subscribe(c *gin.Context) {
	tenantID, userID, ok := caller(c)
	if !ok {
		return
	}
	var req subscribeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, ok := h.ownSession(c, tenantID, userID)
	if !ok {
		return
	}
	sub := &push.Subscription{
		TenantID:            tenantID,
		SessionID:           sess.SessionID,
		Token:               req.Token,
		PlatformChannelType: push.ChannelType(req.PlatformChannelType),
	}
	if err := h.Push.Subscribe(c.Request.Context(), sub); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, sub)
}
