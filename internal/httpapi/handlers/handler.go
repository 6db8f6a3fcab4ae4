package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/httpapi/middleware"
	"github.com/suPer8Hu/eventshim/internal/push"
	"github.com/suPer8Hu/eventshim/internal/session"
	"github.com/suPer8Hu/eventshim/internal/workmap"
)

type Handler struct {
	Sessions *session.Service
	Events   *event.Log
	Push     *push.Queue
	Notifier *push.Manager
	WorkMap  *workmap.Map
}

func NewHandler(sessions *session.Service, events *event.Log, pushQueue *push.Queue, notifier *push.Manager, work *workmap.Map) *Handler {
	return &Handler{Sessions: sessions, Events: events, Push: pushQueue, Notifier: notifier, WorkMap: work}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func caller(c *gin.Context) (string, string, bool) {
	tenantID, userID, ok := middleware.Caller(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return tenantID, userID, ok
}

// fail maps domain errors onto the response envelope.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40400, err.Error())
	case errors.Is(err, common.ErrInvalidParameter):
		common.Fail(c, http.StatusBadRequest, 40000, err.Error())
	case errors.Is(err, common.ErrInvalidToken):
		common.Fail(c, http.StatusBadRequest, 40002, err.Error())
	case errors.Is(err, common.ErrAlreadyExists):
		common.Fail(c, http.StatusConflict, 40900, err.Error())
	case errors.Is(err, common.ErrOptimisticLock), errors.Is(err, common.ErrLockUnavailable):
		common.Fail(c, http.StatusConflict, 40901, "concurrent update, retry")
	default:
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}
