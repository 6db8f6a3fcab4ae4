// Package event holds the per-tenant append-only event log and the
// pending-event queue that drives scheduled follow-up work.
package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/metrics"
	"github.com/suPer8Hu/eventshim/internal/sequence"
)

type Type string

const (
	SessionCreated      Type = "SESSION_CREATED"
	SessionDeleted      Type = "SESSION_DELETED"
	WorkAccepted        Type = "WORK_ACCEPTED"
	WorkAssigned        Type = "WORK_ASSIGNED"
	WorkEnded           Type = "WORK_ENDED"
	ChatMessage         Type = "CHAT_MESSAGE"
	BusEvent            Type = "BUS_EVENT"
	SubscriptionStopped Type = "SUBSCRIPTION_STOPPED"
	PlatformMessage     Type = "PLATFORM_MESSAGE"
)

// Event is one immutable entry of a tenant's log.
type Event struct {
	TenantID  string    `gorm:"primaryKey;size:64" json:"tenant_id"`
	SeqNo     int64     `gorm:"primaryKey;autoIncrement:false" json:"seq_no"`
	Type      Type      `gorm:"column:event_type;size:32;not null" json:"event_type"`
	SessionID string    `gorm:"size:64;index:idx_events_session" json:"session_id,omitempty"`
	UserID    string    `gorm:"size:64" json:"user_id,omitempty"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Event) TableName() string { return "events" }

// Decode unmarshals the JSON payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// MarshalJSON inlines the payload as raw JSON.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	data := json.RawMessage(e.Data)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(struct {
		alias
		Data json.RawMessage `json:"data"`
	}{alias(e), data})
}

// Payloads carried by the well-known event types.

type WorkAcceptedData struct {
	WorkID       string `json:"work_id"`
	WorkTargetID string `json:"work_target_id"`
}

type WorkEndedData struct {
	WorkID       string `json:"work_id"`
	WorkTargetID string `json:"work_target_id"`
}

type ChatMessageData struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type SessionDeletedData struct {
	Reason string `json:"reason"`
}

// Draft is an event before its sequence number is assigned.
type Draft struct {
	TenantID  string
	SessionID string
	UserID    string
	Type      Type
	Payload   any
}

// WriteRequest is a side effect that commits in the same transaction as
// the event that produced it.
type WriteRequest func(tx *gorm.DB) error

type Listener interface {
	OnEventReceived(ctx context.Context, ev Event) ([]WriteRequest, error)
}

// CommitListener is implemented by listeners that also need to act once
// the event is durable, such as dropping cache entries. It is not called
// when the append fails.
type CommitListener interface {
	OnEventCommitted(ctx context.Context, ev Event)
}

type ListenerFunc func(ctx context.Context, ev Event) ([]WriteRequest, error)

func (f ListenerFunc) OnEventReceived(ctx context.Context, ev Event) ([]WriteRequest, error) {
	return f(ctx, ev)
}

const sequenceName = "events"

type Log struct {
	db        *gorm.DB
	clock     clock.Clock
	seq       *sequence.Allocator
	lockHold  time.Duration
	listeners []Listener
	seqLocks  lock.Manager
	log       *logging.Logger
	metrics   *metrics.Recorder
}

type LogOption func(*Log)

func WithLockHold(d time.Duration) LogOption {
	return func(l *Log) { l.lockHold = d }
}

func WithLogger(lg *logging.Logger) LogOption {
	return func(l *Log) { l.log = lg }
}

func WithMetrics(r *metrics.Recorder) LogOption {
	return func(l *Log) { l.metrics = r }
}

func WithSequenceOptions(opts ...sequence.Option) LogOption {
	return func(l *Log) { l.seq = sequence.New(l.seqLocks, l, opts...) }
}

// NewLog builds the event log. Sequence numbers are allocated under locks.
func NewLog(db *gorm.DB, clk clock.Clock, locks lock.Manager, opts ...LogOption) *Log {
	if clk == nil {
		clk = clock.Real()
	}
	l := &Log{db: db, clock: clk, lockHold: 10 * time.Second, log: logging.Nop(), seqLocks: locks}
	l.seq = sequence.New(locks, l)
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddListener registers a listener. Not safe to call once Append is in use.
func (l *Log) AddListener(ls ...Listener) {
	l.listeners = append(l.listeners, ls...)
}

func (l *Log) MaxSeq(ctx context.Context, tenantID string) (int64, error) {
	var max sql.NullInt64
	err := l.db.WithContext(ctx).Model(&Event{}).
		Where("tenant_id = ?", tenantID).
		Select("MAX(seq_no)").
		Row().Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// Append assigns the next sequence number, gathers listener writes and
// commits the event together with them. Nothing becomes visible when any
// step fails.
func (l *Log) Append(ctx context.Context, d Draft) (Event, error) {
	data, err := marshalPayload(d.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: encode payload: %w", d.Type, err)
	}
	var out Event
	err = l.seq.Execute(ctx, d.TenantID, sequenceName, l.lockHold, func(ctx context.Context, next int64) error {
		ev := Event{
			TenantID:  d.TenantID,
			SeqNo:     next,
			Type:      d.Type,
			SessionID: d.SessionID,
			UserID:    d.UserID,
			Data:      data,
			CreatedAt: l.clock.Now(),
		}
		var writes []WriteRequest
		for _, ls := range l.listeners {
			w, err := ls.OnEventReceived(ctx, ev)
			if err != nil {
				return fmt.Errorf("listener: %w", err)
			}
			writes = append(writes, w...)
		}
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&ev).Error; err != nil {
				return err
			}
			for _, w := range writes {
				if err := w(tx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("append %s event: %w", d.Type, err)
	}
	l.log.Debug().Str("tenant_id", out.TenantID).Int64("seq_no", out.SeqNo).Str("type", string(out.Type)).Msg("event appended")
	l.metrics.Event(string(out.Type))
	for _, ls := range l.listeners {
		if cl, ok := ls.(CommitListener); ok {
			cl.OnEventCommitted(ctx, out)
		}
	}
	return out, nil
}

// Query returns up to limit events of a tenant with seq_no > fromSeq.
func (l *Log) Query(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]Event, error) {
	return l.query(ctx, l.db.Where("tenant_id = ? AND seq_no > ?", tenantID, fromSeq), limit)
}

// QuerySession is Query restricted to one session.
func (l *Log) QuerySession(ctx context.Context, tenantID, sessionID string, fromSeq int64, limit int) ([]Event, error) {
	return l.query(ctx, l.db.Where("tenant_id = ? AND session_id = ? AND seq_no > ?", tenantID, sessionID, fromSeq), limit)
}

func (l *Log) query(ctx context.Context, q *gorm.DB, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Event
	if err := q.WithContext(ctx).Order("seq_no ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func marshalPayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Event{}, &PendingEvent{}} }
