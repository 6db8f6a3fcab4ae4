package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/eventshim/internal/common"
)

// GetWorkID resolves /work/:work_target_id. An unknown target in the path
// is a 404.
func (h *Handler) GetWorkID(c *gin.Context) {
	h.workID(c, c.Param("work_target_id"), true)
}

// LookupWorkID resolves ?work_target_id=. An unknown target here is a bad
// parameter rather than a missing resource.
func (h *Handler) LookupWorkID(c *gin.Context) {
	h.workID(c, c.Query("work_target_id"), false)
}

func (h *Handler) workID(c *gin.Context, target string, inPath bool) {
	tenantID, userID, ok := caller(c)
	if !ok {
		return
	}
	if target == "" {
		common.Fail(c, http.StatusBadRequest, 40000, "work_target_id is required")
		return
	}
	workID, err := h.WorkMap.GetWorkID(c.Request.Context(), tenantID, userID, target, inPath)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"work_target_id": target, "work_id": workID})
}

type testPushReq struct {
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// TestPush checks a token against its backend without delivering.
func (h *Handler) TestPush(c *gin.Context) {
	if _, _, ok := caller(c); !ok {
		return
	}
	var req testPushReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	data := []byte(req.Data)
	if len(data) == 0 {
		data = []byte(`{"type":"TEST"}`)
	}
	if err := h.Notifier.TestPushNotification(c.Request.Context(), req.Token, data); err != nil {
		if errors.Is(err, common.ErrInvalidToken) {
			fail(c, err)
			return
		}
		common.Fail(c, http.StatusBadGateway, 50200, "push backend unavailable")
		return
	}
	common.OK(c, gin.H{"token": req.Token, "ok": true})
}
