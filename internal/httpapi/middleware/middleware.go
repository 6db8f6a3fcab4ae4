// Package middleware holds the gin middleware shared by all routes.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/suPer8Hu/eventshim/internal/auth"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/logging"
)

const (
	RequestIDKey    = "request_id"
	UserIDKey       = "user_id"
	TenantIDKey     = "tenant_id"
	RequestIDHeader = "X-Request-ID"
)

// Recovery turns handler panics into the standard error envelope.
func Recovery(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Str(RequestIDKey, c.GetString(RequestIDKey)).Msg("handler panicked")
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

// RequestID propagates X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger writes one debug line per request.
func Logger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str(RequestIDKey, c.GetString(RequestIDKey)).
			Msg("http request")
	}
}

// AuthRequired accepts "Authorization: Bearer <jwt>" and stores the
// caller's tenant and user on the context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.Fail(c, http.StatusUnauthorized, 40100, "missing bearer token")
			return
		}
		claims, err := auth.ParseToken(secret, strings.TrimSpace(token))
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid token")
			return
		}
		c.Set(TenantIDKey, claims.TenantID)
		c.Set(UserIDKey, claims.UserID())
		c.Next()
	}
}

// Caller returns the authenticated tenant and user.
func Caller(c *gin.Context) (tenantID, userID string, ok bool) {
	tenantID = c.GetString(TenantIDKey)
	userID = c.GetString(UserIDKey)
	return tenantID, userID, tenantID != "" && userID != ""
}
