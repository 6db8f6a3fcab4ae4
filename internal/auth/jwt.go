// Package auth issues and verifies the bearer tokens that identify a
// tenant user at the HTTP boundary.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/suPer8Hu/eventshim/internal/common"
)

type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// UserID is the subject claim.
func (c *Claims) UserID() string { return c.Subject }

// IssueToken signs an HS256 token for user in tenant.
func IssueToken(secret, tenantID, userID string, ttl time.Duration, now time.Time) (string, error) {
	if tenantID == "" || userID == "" {
		return "", common.InvalidParameterf("tenant and user are required")
	}
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies signature and expiry and returns the claims.
func ParseToken(secret, token string) (*Claims, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !t.Valid || claims.TenantID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return &claims, nil
}
