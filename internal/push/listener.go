package push

import (
	"context"

	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/event"
)

var notifiable = map[event.Type]bool{
	event.ChatMessage:    true,
	event.WorkAccepted:   true,
	event.WorkAssigned:   true,
	event.WorkEnded:      true,
	event.SessionDeleted: true,
}

// Listener queues a notification for every notifiable event of a session
// with a subscription and schedules its delivery. The subscription ends
// with the session.
func (q *Queue) Listener(pending *event.PendingQueue) event.Listener {
	return event.ListenerFunc(func(ctx context.Context, ev event.Event) ([]event.WriteRequest, error) {
		if ev.SessionID == "" || !notifiable[ev.Type] {
			return nil, nil
		}
		sub, err := q.Subscription(ctx, ev.TenantID, ev.SessionID)
		if isNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		enqueue, err := q.EnqueueRequest(*sub, ev)
		if err != nil {
			return nil, err
		}
		writes := []event.WriteRequest{
			enqueue,
			pending.ScheduleRequest(event.PendingEvent{
				EventType: event.PushDelivery,
				TenantID:  ev.TenantID,
				SessionID: ev.SessionID,
				UserID:    ev.UserID,
			}),
		}
		if ev.Type == event.SessionDeleted {
			writes = append(writes, func(tx *gorm.DB) error {
				return tx.Where("tenant_id = ? AND session_id = ?", ev.TenantID, ev.SessionID).Delete(&Subscription{}).Error
			})
		}
		return writes, nil
	})
}
