package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/record"
)

// ChannelType is the client platform a subscription delivers to.
type ChannelType string

const (
	ChannelIOS     ChannelType = "IOS"
	ChannelAndroid ChannelType = "ANDROID"
	ChannelWeb     ChannelType = "WEB"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelIOS, ChannelAndroid, ChannelWeb:
		return true
	}
	return false
}

// Subscription registers a push token for a session.
type Subscription struct {
	TenantID            string      `gorm:"primaryKey;size:64" json:"tenant_id"`
	SessionID           string      `gorm:"primaryKey;size:64" json:"session_id"`
	Token               string      `gorm:"size:512;not null" json:"token"`
	PlatformChannelType ChannelType `gorm:"size:16;not null" json:"platform_channel_type"`
	CreatedAt           time.Time   `json:"created_at"`
}

func (Subscription) TableName() string { return "push_subscriptions" }

// Notification is one queued message, ordered by the event it came from.
type Notification struct {
	TenantID            string      `gorm:"primaryKey;size:64"`
	SessionID           string      `gorm:"primaryKey;size:64"`
	SeqNo               int64       `gorm:"primaryKey;autoIncrement:false"`
	Token               string      `gorm:"size:512;not null"`
	PlatformChannelType ChannelType `gorm:"size:16;not null"`
	MessageType         string      `gorm:"size:32;not null"`
	Message             []byte
	Sent                bool `gorm:"not null;default:false;index"`
	CreatedAt           time.Time
}

func (Notification) TableName() string { return "push_notifications" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&Subscription{}, &Notification{}} }

type Queue struct {
	subs  *record.Store[Subscription]
	notes *record.Store[Notification]
	clock clock.Clock
}

func NewQueue(db *gorm.DB, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		subs:  record.New[Subscription](db, clk),
		notes: record.New[Notification](db, clk),
		clock: clk,
	}
}

// Subscribe registers or replaces the session's push token.
func (q *Queue) Subscribe(ctx context.Context, s *Subscription) error {
	if s.Token == "" {
		return common.InvalidParameterf("token is required")
	}
	if !s.PlatformChannelType.Valid() {
		return common.InvalidParameterf("unknown platform_channel_type %q", s.PlatformChannelType)
	}
	s.CreatedAt = q.clock.Now()
	return q.subs.Put(ctx, s)
}

func (q *Queue) Subscription(ctx context.Context, tenantID, sessionID string) (*Subscription, error) {
	return q.subs.Find(ctx, record.Keys{"tenant_id": tenantID, "session_id": sessionID})
}

func (q *Queue) Unsubscribe(ctx context.Context, tenantID, sessionID string) error {
	_, err := q.subs.Delete(ctx, record.Keys{"tenant_id": tenantID, "session_id": sessionID})
	return err
}

// message is the JSON body delivered to clients.
type message struct {
	Type      event.Type      `json:"type"`
	SeqNo     int64           `json:"seq_no"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EnqueueRequest queues ev for sub as part of the event's transaction.
func (q *Queue) EnqueueRequest(sub Subscription, ev event.Event) (event.WriteRequest, error) {
	body, err := json.Marshal(message{Type: ev.Type, SeqNo: ev.SeqNo, SessionID: ev.SessionID, Data: json.RawMessage(ev.Data)})
	if err != nil {
		return nil, err
	}
	n := Notification{
		TenantID:            ev.TenantID,
		SessionID:           ev.SessionID,
		SeqNo:               ev.SeqNo,
		Token:               sub.Token,
		PlatformChannelType: sub.PlatformChannelType,
		MessageType:         string(ev.Type),
		Message:             body,
		CreatedAt:           ev.CreatedAt,
	}
	return func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&n).Error
	}, nil
}

// Unsent returns undelivered notifications of a session in event order.
func (q *Queue) Unsent(ctx context.Context, tenantID, sessionID string, limit int) ([]Notification, error) {
	return q.notes.Query(ctx, record.Query{
		Where: record.Keys{"tenant_id": tenantID, "session_id": sessionID, "sent": false},
		Order: "seq_no ASC",
		Limit: limit,
	})
}

func (q *Queue) MarkSent(ctx context.Context, n Notification) error {
	cnt, err := q.notes.Update(ctx, record.Keys{"tenant_id": n.TenantID, "session_id": n.SessionID, "seq_no": n.SeqNo}, map[string]any{"sent": true})
	if err != nil {
		return err
	}
	if cnt == 0 {
		return common.NotFoundf("notification %s/%s/%d", n.TenantID, n.SessionID, n.SeqNo)
	}
	return nil
}

// Purge drops sent notifications older than before.
func (q *Queue) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := q.notes.DB().WithContext(ctx).
		Where("sent = ? AND created_at < ?", true, before).
		Delete(&Notification{})
	return res.RowsAffected, res.Error
}

func isNotFound(err error) bool { return errors.Is(err, common.ErrNotFound) }
