package event

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/record"
)

type PendingType string

const (
	LiveAgentPoll PendingType = "LIVE_AGENT_POLL"
	PubSubPoll    PendingType = "PUBSUB_POLL"
	PushDelivery  PendingType = "PUSH_DELIVERY"
)

// PendingEvent is scheduled future work. An empty SessionID makes it a
// tenant-scoped pending event.
type PendingEvent struct {
	EventType  PendingType `gorm:"primaryKey;size:32;index:idx_pending_due,priority:1" json:"event_type"`
	TenantID   string      `gorm:"primaryKey;size:64" json:"tenant_id"`
	SessionID  string      `gorm:"primaryKey;size:64" json:"session_id"`
	UserID     string      `gorm:"size:64" json:"user_id,omitempty"`
	EventTime  time.Time   `gorm:"not null" json:"event_time"`
	ActiveAt   time.Time   `gorm:"not null;index:idx_pending_due,priority:2" json:"active_at"`
	UpdateTime time.Time   `gorm:"not null" json:"update_time"`
	Attempts   int         `gorm:"not null;default:0" json:"attempts"`
}

func (PendingEvent) TableName() string { return "pending_events" }

func (p PendingEvent) keys() record.Keys {
	return record.Keys{"event_type": p.EventType, "tenant_id": p.TenantID, "session_id": p.SessionID}
}

// TenantScoped reports whether the event is not bound to a session.
func (p PendingEvent) TenantScoped() bool { return p.SessionID == "" }

// batchSize matches the item limit of a single transactional batch write.
const batchSize = 25

type PendingQueue struct {
	rows  *record.Store[PendingEvent]
	clock clock.Clock
}

func NewPendingQueue(db *gorm.DB, clk clock.Clock) *PendingQueue {
	if clk == nil {
		clk = clock.Real()
	}
	return &PendingQueue{rows: record.New[PendingEvent](db, clk), clock: clk}
}

func (q *PendingQueue) normalize(ev *PendingEvent) {
	now := q.clock.Now()
	if ev.EventTime.IsZero() {
		ev.EventTime = now
	}
	if ev.ActiveAt.Before(ev.EventTime) {
		ev.ActiveAt = ev.EventTime
	}
	ev.UpdateTime = now
}

// Create inserts ev and reports false if one with the same key exists.
func (q *PendingQueue) Create(ctx context.Context, ev *PendingEvent) (bool, error) {
	q.normalize(ev)
	return q.rows.Create(ctx, ev)
}

// Schedule creates ev, or moves an existing one earlier if ev is due first.
func (q *PendingQueue) Schedule(ctx context.Context, ev *PendingEvent) error {
	return q.ScheduleRequest(*ev)(q.rows.DB().WithContext(ctx))
}

// ScheduleRequest is Schedule as a write that joins an event append.
func (q *PendingQueue) ScheduleRequest(ev PendingEvent) WriteRequest {
	q.normalize(&ev)
	return func(tx *gorm.DB) error {
		rows := q.rows.WithTx(tx)
		created, err := rows.Create(tx.Statement.Context, &ev)
		if err != nil || created {
			return err
		}
		res := tx.Model(&PendingEvent{}).
			Where(map[string]any(ev.keys())).
			Where(clause.Gt{Column: clause.Column{Name: "active_at"}, Value: ev.ActiveAt}).
			Updates(map[string]any{"active_at": ev.ActiveAt, "update_time": ev.UpdateTime})
		return res.Error
	}
}

// DeleteRequest removes the pending event as part of an event append.
func (q *PendingQueue) DeleteRequest(eventType PendingType, tenantID, sessionID string) WriteRequest {
	key := PendingEvent{EventType: eventType, TenantID: tenantID, SessionID: sessionID}
	return func(tx *gorm.DB) error {
		_, err := q.rows.WithTx(tx).Delete(tx.Statement.Context, key.keys())
		return err
	}
}

// QueryEvents returns up to limit due events of eventType, oldest first.
func (q *PendingQueue) QueryEvents(ctx context.Context, eventType PendingType, limit int) ([]PendingEvent, error) {
	return q.rows.Query(ctx, record.Query{
		Where: record.Keys{"event_type": eventType},
		Conds: []clause.Expression{clause.Lte{Column: clause.Column{Name: "active_at"}, Value: q.clock.Now()}},
		Order: "active_at ASC",
		Limit: limit,
	})
}

func (q *PendingQueue) Get(ctx context.Context, eventType PendingType, tenantID, sessionID string) (*PendingEvent, error) {
	key := PendingEvent{EventType: eventType, TenantID: tenantID, SessionID: sessionID}
	return q.rows.Find(ctx, key.keys())
}

// UpdateActionTime pushes ev seconds into the future from now and stores
// ev.Attempts. active_at never moves before event_time. Returns
// common.ErrNotFound when ev was deleted meanwhile.
func (q *PendingQueue) UpdateActionTime(ctx context.Context, ev *PendingEvent, seconds int) error {
	n, err := q.rows.Update(ctx, ev.keys(), q.reschedule(ev, seconds))
	if err != nil {
		return fmt.Errorf("reschedule %s %s/%s: %w", ev.EventType, ev.TenantID, ev.SessionID, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// UpdateActionTimes reschedules every event in transactions of at most
// batchSize items. Events deleted meanwhile are skipped.
func (q *PendingQueue) UpdateActionTimes(ctx context.Context, evs []*PendingEvent, seconds int) error {
	for start := 0; start < len(evs); start += batchSize {
		end := min(start+batchSize, len(evs))
		chunk := evs[start:end]
		err := q.rows.Transaction(ctx, func(tx *record.Store[PendingEvent]) error {
			for _, ev := range chunk {
				if _, err := tx.Update(ctx, ev.keys(), q.reschedule(ev, seconds)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reschedule batch at %d: %w", start, err)
		}
	}
	return nil
}

func (q *PendingQueue) reschedule(ev *PendingEvent, seconds int) map[string]any {
	now := q.clock.Now()
	active := now.Add(time.Duration(seconds) * time.Second)
	if active.Before(ev.EventTime) {
		active = ev.EventTime
	}
	ev.ActiveAt = active
	ev.UpdateTime = now
	return map[string]any{"active_at": active, "update_time": now, "attempts": ev.Attempts}
}

func (q *PendingQueue) Delete(ctx context.Context, ev PendingEvent) (bool, error) {
	return q.rows.Delete(ctx, ev.keys())
}

// DeleteForSession drops every pending event of a session.
func (q *PendingQueue) DeleteForSession(ctx context.Context, tenantID, sessionID string) error {
	_, err := q.rows.Delete(ctx, record.Keys{"tenant_id": tenantID, "session_id": sessionID})
	return err
}
