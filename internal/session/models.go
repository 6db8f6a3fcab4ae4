package session

import "time"

// ContextType names the platform a context record belongs to.
type ContextType string

const (
	LiveAgent ContextType = "LIVE_AGENT"
	PubSub    ContextType = "PUB_SUB"
)

type Session struct {
	TenantID          string     `gorm:"primaryKey;size:64" json:"tenant_id"`
	SessionID         string     `gorm:"primaryKey;size:64" json:"session_id"`
	UserID            string     `gorm:"size:64;not null;index" json:"user_id"`
	AccessToken       string     `gorm:"size:2048" json:"-"`
	InstanceURL       string     `gorm:"size:512" json:"instance_url"`
	ExpirationSeconds int        `gorm:"not null" json:"expiration_seconds"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (Session) TableName() string { return "sessions" }

type SessionContext struct {
	TenantID           string      `gorm:"primaryKey;size:64"`
	SessionID          string      `gorm:"primaryKey;size:64"`
	ContextType        ContextType `gorm:"primaryKey;size:32"`
	UserID             string      `gorm:"size:64"`
	SerializedSettings []byte
	StateCounter       int64 `gorm:"not null;default:0"`
}

func (SessionContext) TableName() string { return "session_contexts" }

type TenantContext struct {
	TenantID     string      `gorm:"primaryKey;size:64"`
	ContextType  ContextType `gorm:"primaryKey;size:32"`
	StateCounter int64       `gorm:"not null;default:0"`
	Data         []byte
}

func (TenantContext) TableName() string { return "tenant_contexts" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&Session{}, &SessionContext{}, &TenantContext{}} }
