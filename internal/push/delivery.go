package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/lock"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/polling"
)

// DeliveryStats counts PUSH_DELIVERY items of one run.
type DeliveryStats struct {
	Leased    int
	Sent      int
	Retried   int
	Finished  int
	Contended int
	Dropped   int
}

// DeliveryProcessor drains queued notifications per session in event
// order. A failed send stops that session's batch and backs off; the
// notification stays unsent and is retried.
type DeliveryProcessor struct {
	queue   *Queue
	pending *event.PendingQueue
	manager *Manager
	locks   lock.Manager
	clock   clock.Clock
	log     *logging.Logger

	BatchSize   int
	Concurrency int
	LockHold    time.Duration
	Backoff     polling.Backoff
	MaxAttempts int
}

func NewDeliveryProcessor(queue *Queue, pending *event.PendingQueue, manager *Manager, locks lock.Manager, clk clock.Clock, log *logging.Logger) *DeliveryProcessor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &DeliveryProcessor{
		queue:       queue,
		pending:     pending,
		manager:     manager,
		locks:       locks,
		clock:       clk,
		log:         log,
		BatchSize:   25,
		Concurrency: 4,
		LockHold:    30 * time.Second,
		Backoff:     polling.Backoff{Base: 2 * time.Second, Max: 5 * time.Minute},
		MaxAttempts: 12,
	}
}

// Run delivers one batch of due sessions. It stops starting new sessions
// once ctx is done or the budget is spent and reports
// polling.ErrPollingShutdown.
func (d *DeliveryProcessor) Run(ctx context.Context, budget *polling.Budget) (DeliveryStats, error) {
	var stats DeliveryStats
	if polling.Stopping(ctx, budget) {
		return stats, polling.ErrPollingShutdown
	}
	items, err := d.pending.QueryEvents(ctx, event.PushDelivery, d.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("lease push deliveries: %w", err)
	}
	stats.Leased = len(items)

	var (
		mu       sync.Mutex
		shutdown bool
		g        errgroup.Group
	)
	g.SetLimit(max(d.Concurrency, 1))
	for _, item := range items {
		item := item
		if polling.Stopping(ctx, budget) {
			mu.Lock()
			shutdown = true
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if polling.Stopping(ctx, budget) {
				mu.Lock()
				shutdown = true
				mu.Unlock()
				return nil
			}
			s := d.deliver(context.WithoutCancel(ctx), item)
			mu.Lock()
			stats.Sent += s.Sent
			stats.Retried += s.Retried
			stats.Finished += s.Finished
			stats.Contended += s.Contended
			stats.Dropped += s.Dropped
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if shutdown {
		return stats, polling.ErrPollingShutdown
	}
	return stats, nil
}

func (d *DeliveryProcessor) deliver(ctx context.Context, pe event.PendingEvent) DeliveryStats {
	var s DeliveryStats
	log := d.log.With("tenant_id", pe.TenantID).With("session_id", pe.SessionID)

	h, err := d.locks.Acquire(ctx, pe.TenantID, "push:"+pe.SessionID, d.LockHold)
	if errors.Is(err, common.ErrLockUnavailable) {
		s.Contended++
		d.reschedule(ctx, log, &pe, 5*time.Second)
		return s
	}
	if err != nil {
		log.Warn().Err(err).Msg("acquire push lock")
		return s
	}
	defer func() { _ = d.locks.Release(context.WithoutCancel(ctx), h) }()

	cur, err := d.pending.Get(ctx, event.PushDelivery, pe.TenantID, pe.SessionID)
	if err != nil || cur.ActiveAt.After(d.clock.Now()) {
		return s
	}
	pe = *cur

	notes, err := d.queue.Unsent(ctx, pe.TenantID, pe.SessionID, d.BatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("load unsent notifications")
		return s
	}
	for _, n := range notes {
		err := d.manager.SendPushNotification(ctx, n.Token, n.Message)
		if errors.Is(err, common.ErrInvalidToken) {
			// retrying cannot fix the token; skip the message
			log.Warn().Err(err).Int64("seq_no", n.SeqNo).Msg("dropping notification for invalid token")
			s.Dropped++
		} else if err != nil {
			pe.Attempts++
			if pe.Attempts >= d.MaxAttempts {
				log.Warn().Err(err).Int("attempts", pe.Attempts).Msg("giving up on push delivery")
				_, _ = d.pending.Delete(ctx, pe)
				s.Dropped++
				return s
			}
			s.Retried++
			d.reschedule(ctx, log, &pe, d.Backoff.Delay(pe.Attempts))
			return s
		} else {
			s.Sent++
		}
		if err := d.queue.MarkSent(ctx, n); err != nil {
			log.Warn().Err(err).Int64("seq_no", n.SeqNo).Msg("mark notification sent")
		}
	}

	if len(notes) == d.BatchSize {
		pe.Attempts = 0
		d.reschedule(ctx, log, &pe, 0)
		return s
	}
	if _, err := d.pending.Delete(ctx, pe); err != nil {
		log.Warn().Err(err).Msg("delete push delivery")
	}
	// a notification queued while we were sending must not be stranded
	if late, err := d.queue.Unsent(ctx, pe.TenantID, pe.SessionID, 1); err == nil && len(late) > 0 {
		_ = d.pending.Schedule(ctx, &event.PendingEvent{EventType: event.PushDelivery, TenantID: pe.TenantID, SessionID: pe.SessionID, UserID: pe.UserID})
		return s
	}
	s.Finished++
	return s
}

func (d *DeliveryProcessor) reschedule(ctx context.Context, log *logging.Logger, pe *event.PendingEvent, after time.Duration) {
	err := d.pending.UpdateActionTime(ctx, pe, int(after.Round(time.Second)/time.Second))
	if err != nil && !isNotFound(err) {
		log.Warn().Err(err).Msg("reschedule push delivery")
	}
}
