package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/httpapi/handlers"
	"github.com/suPer8Hu/eventshim/internal/httpapi/middleware"
	"github.com/suPer8Hu/eventshim/internal/logging"
)

func NewRouter(h *handlers.Handler, jwtSecret string, gatherer prometheus.Gatherer, log *logging.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// sessions
	authGroup.POST("/sessions", h.CreateSession)
	authGroup.DELETE("/sessions/:session_id", h.DeleteSession)
	authGroup.GET("/sessions/:session_id/events", h.ListEvents)
	authGroup.POST("/sessions/:session_id/subscription", h.Subscribe)

	// work id map
	authGroup.GET("/work/:work_target_id", h.GetWorkID)
	authGroup.GET("/work", h.LookupWorkID)

	authGroup.POST("/push/test", h.TestPush)
	return r
}
