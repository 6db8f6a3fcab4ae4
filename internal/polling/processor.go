package polling

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
	"github.com/suPer8Hu/eventshim/internal/metrics"
	"github.com/suPer8Hu/eventshim/internal/session"
)

// Stats counts item outcomes of one Run.
type Stats struct {
	Leased    int
	Continued int
	Done      int
	Retried   int
	Dropped   int
	Contended int
	Conflicts int
	Skipped   int
	Errors    int
}

type Processor struct {
	platform Platform
	pending  *event.PendingQueue
	repo     *session.Repository
	events   *event.Log
	locks    lock.Manager
	clock    clock.Clock
	log      *logging.Logger
	metrics  *metrics.Recorder

	batchSize      int
	concurrency    int
	lockHold       time.Duration
	itemTimeout    time.Duration
	pollInterval   time.Duration
	contendedDelay time.Duration
	backoff        Backoff
	maxAttempts    int
}

type Option func(*Processor)

func WithBatch(size, concurrency int) Option {
	return func(p *Processor) {
		p.batchSize = size
		p.concurrency = concurrency
	}
}

func WithLockHold(d time.Duration) Option { return func(p *Processor) { p.lockHold = d } }

// WithItemTimeout bounds one lock-poll-record exchange.
func WithItemTimeout(d time.Duration) Option { return func(p *Processor) { p.itemTimeout = d } }

func WithPollInterval(d time.Duration) Option { return func(p *Processor) { p.pollInterval = d } }

func WithBackoff(b Backoff, maxAttempts int) Option {
	return func(p *Processor) {
		p.backoff = b
		p.maxAttempts = maxAttempts
	}
}

func WithClock(c clock.Clock) Option { return func(p *Processor) { p.clock = c } }

func WithLogger(l *logging.Logger) Option { return func(p *Processor) { p.log = l } }

func WithMetrics(m *metrics.Recorder) Option { return func(p *Processor) { p.metrics = m } }

func NewProcessor(platform Platform, pending *event.PendingQueue, repo *session.Repository, events *event.Log, locks lock.Manager, opts ...Option) *Processor {
	p := &Processor{
		platform:       platform,
		pending:        pending,
		repo:           repo,
		events:         events,
		locks:          locks,
		clock:          clock.Real(),
		log:            logging.Nop(),
		batchSize:      25,
		concurrency:    4,
		lockHold:       30 * time.Second,
		itemTimeout:    20 * time.Second,
		pollInterval:   time.Second,
		contendedDelay: 5 * time.Second,
		backoff:        Backoff{Base: 2 * time.Second, Max: 5 * time.Minute},
		maxAttempts:    12,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("pending_type", string(p.Type()))
	return p
}

func (p *Processor) Type() event.PendingType { return p.platform.PendingType() }

// Run processes up to one batch of due pending events. Shutdown is checked
// between items only: once ctx is done or budget is exhausted no further
// item starts, items in flight finish, and ErrPollingShutdown is returned.
func (p *Processor) Run(ctx context.Context, budget *Budget) (Stats, error) {
	var stats Stats
	if Stopping(ctx, budget) {
		return stats, ErrPollingShutdown
	}
	p.metrics.Batch()

	items, err := p.pending.QueryEvents(ctx, p.Type(), p.batchSize)
	if err != nil {
		return stats, fmt.Errorf("lease %s: %w", p.Type(), err)
	}
	stats.Leased = len(items)

	var (
		mu       sync.Mutex
		shutdown bool
		g        errgroup.Group
	)
	g.SetLimit(max(p.concurrency, 1))
	for _, item := range items {
		item := item
		if Stopping(ctx, budget) {
			mu.Lock()
			shutdown = true
			mu.Unlock()
			break
		}
		g.Go(func() error {
			// a slot may free up only after shutdown began; leave the item due
			if Stopping(ctx, budget) {
				mu.Lock()
				shutdown = true
				mu.Unlock()
				return nil
			}
			itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.itemTimeout)
			defer cancel()
			start := time.Now()
			outcome := p.processItem(itemCtx, item)
			p.metrics.Poll(string(p.Type()), outcome, time.Since(start))

			mu.Lock()
			stats.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if shutdown {
		p.log.Info().Int("leased", stats.Leased).Msg("polling run stopped early")
		return stats, ErrPollingShutdown
	}
	return stats, nil
}

const (
	outcomeContinue  = "continue"
	outcomeDone      = "done"
	outcomeRetry     = "retry"
	outcomeDropped   = "dropped"
	outcomeContended = "contended"
	outcomeConflict  = "conflict"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

func (s *Stats) add(outcome string) {
	switch outcome {
	case outcomeContinue:
		s.Continued++
	case outcomeDone:
		s.Done++
	case outcomeRetry:
		s.Retried++
	case outcomeDropped:
		s.Dropped++
	case outcomeContended:
		s.Contended++
	case outcomeConflict:
		s.Conflicts++
	case outcomeError:
		s.Errors++
	default:
		s.Skipped++
	}
}

func (p *Processor) resource(pe event.PendingEvent) string {
	if pe.TenantScoped() {
		return "poll:" + string(pe.EventType)
	}
	return "poll:" + string(pe.EventType) + ":" + pe.SessionID
}

// pollContext is the context record an item reads and advances.
type pollContext struct {
	settings []byte
	counter  int64
}

func (p *Processor) processItem(ctx context.Context, pe event.PendingEvent) string {
	log := p.log.With("tenant_id", pe.TenantID).With("session_id", pe.SessionID)

	h, err := p.locks.Acquire(ctx, pe.TenantID, p.resource(pe), p.lockHold)
	if errors.Is(err, common.ErrLockUnavailable) {
		p.metrics.LockContention(string(pe.EventType))
		p.reschedule(ctx, log, &pe, p.contendedDelay)
		return outcomeContended
	}
	if err != nil {
		log.Warn().Err(err).Msg("acquire poll lock")
		return outcomeError
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), h); err != nil {
			log.Warn().Err(err).Msg("release poll lock")
		}
	}()

	// what we leased may be stale by the time the lock is ours
	cur, err := p.pending.Get(ctx, pe.EventType, pe.TenantID, pe.SessionID)
	if errors.Is(err, common.ErrNotFound) {
		return outcomeSkipped
	}
	if err != nil {
		log.Warn().Err(err).Msg("reload pending event")
		return outcomeError
	}
	if cur.ActiveAt.After(p.clock.Now()) {
		return outcomeSkipped
	}
	pe = *cur

	target := Target{TenantID: pe.TenantID, SessionID: pe.SessionID, UserID: pe.UserID}
	if !pe.TenantScoped() {
		sess, err := p.repo.GetSession(ctx, pe.TenantID, pe.SessionID)
		if errors.Is(err, common.ErrNotFound) {
			// session closed or expired; nothing left to poll for
			p.delete(ctx, log, pe)
			return outcomeDropped
		}
		if err != nil {
			log.Warn().Err(err).Msg("load session")
			return outcomeError
		}
		target.Session = sess
		target.UserID = sess.UserID
	}

	pc, err := p.loadContext(ctx, pe)
	if err != nil {
		log.Warn().Err(err).Msg("load polling context")
		return outcomeError
	}

	res, err := p.platform.Poll(ctx, target, pc.settings)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionRevoked):
		log.Info().Err(err).Msg("polling target revoked")
		p.terminate(ctx, log, pe, "revoked")
		return outcomeDropped
	case IsTransient(err):
		pe.Attempts++
		if pe.Attempts >= p.maxAttempts {
			log.Warn().Err(err).Int("attempts", pe.Attempts).Msg("giving up after repeated poll failures")
			p.terminate(ctx, log, pe, "max_attempts")
			return outcomeDropped
		}
		log.Debug().Err(err).Int("attempts", pe.Attempts).Msg("poll failed, backing off")
		p.reschedule(ctx, log, &pe, p.backoff.Delay(pe.Attempts))
		return outcomeRetry
	default:
		// retrying cannot fix a rejected request or an unreadable reply
		log.Error().Err(err).Msg("poll failed permanently")
		p.terminate(ctx, log, pe, "poll_failed")
		return outcomeDropped
	}

	if err := p.locks.Validate(ctx, h); err != nil {
		log.Warn().Err(err).Msg("poll lock lost before commit")
		return outcomeConflict
	}

	for _, d := range res.Events {
		if d.TenantID == "" {
			d.TenantID = target.TenantID
		}
		if d.SessionID == "" {
			d.SessionID = target.SessionID
		}
		if d.UserID == "" {
			d.UserID = target.UserID
		}
		if _, err := p.events.Append(ctx, d); err != nil {
			log.Warn().Err(err).Str("event_type", string(d.Type)).Msg("append polled event")
			p.reschedule(ctx, log, &pe, p.contendedDelay)
			return outcomeError
		}
	}

	// a finished target may already have had its context removed
	if res.Settings != nil && res.Outcome != Done {
		if err := p.saveContext(ctx, pe, target, pc, res.Settings); err != nil {
			if errors.Is(err, common.ErrOptimisticLock) {
				p.reschedule(ctx, log, &pe, p.contendedDelay)
				return outcomeConflict
			}
			log.Warn().Err(err).Msg("save polling context")
			return outcomeError
		}
	}

	if res.Outcome == Done {
		p.delete(ctx, log, pe)
		return outcomeDone
	}
	next := res.NextPoll
	if next <= 0 {
		next = p.pollInterval
	}
	pe.Attempts = 0
	p.reschedule(ctx, log, &pe, next)
	return outcomeContinue
}

func (p *Processor) loadContext(ctx context.Context, pe event.PendingEvent) (pollContext, error) {
	var (
		pc  pollContext
		err error
	)
	if pe.TenantScoped() {
		var tc *session.TenantContext
		tc, err = p.repo.GetTenantContext(ctx, pe.TenantID, p.platform.ContextType())
		if err == nil {
			return pollContext{settings: tc.Data, counter: tc.StateCounter}, nil
		}
	} else {
		var sc *session.SessionContext
		sc, err = p.repo.GetContext(ctx, pe.TenantID, pe.SessionID, p.platform.ContextType())
		if err == nil {
			return pollContext{settings: sc.SerializedSettings, counter: sc.StateCounter}, nil
		}
	}
	if !errors.Is(err, common.ErrNotFound) {
		return pc, err
	}
	pc.settings, err = p.platform.InitialSettings()
	return pc, err
}

func (p *Processor) saveContext(ctx context.Context, pe event.PendingEvent, target Target, pc pollContext, settings []byte) error {
	if pe.TenantScoped() {
		return p.repo.UpdateOrCreateTenantContext(ctx, &session.TenantContext{
			TenantID:     pe.TenantID,
			ContextType:  p.platform.ContextType(),
			StateCounter: pc.counter,
			Data:         settings,
		})
	}
	return p.repo.UpdateOrCreateContext(ctx, &session.SessionContext{
		TenantID:           pe.TenantID,
		SessionID:          pe.SessionID,
		ContextType:        p.platform.ContextType(),
		UserID:             target.UserID,
		SerializedSettings: settings,
		StateCounter:       pc.counter,
	})
}

func (p *Processor) reschedule(ctx context.Context, log *logging.Logger, pe *event.PendingEvent, after time.Duration) {
	err := p.pending.UpdateActionTime(ctx, pe, seconds(after))
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		log.Warn().Err(err).Msg("reschedule pending event")
	}
}

func (p *Processor) delete(ctx context.Context, log *logging.Logger, pe event.PendingEvent) {
	if _, err := p.pending.Delete(ctx, pe); err != nil {
		log.Warn().Err(err).Msg("delete pending event")
	}
}

// terminate drops the pending event and announces the end of the session,
// or of the tenant subscription for tenant scoped platforms.
func (p *Processor) terminate(ctx context.Context, log *logging.Logger, pe event.PendingEvent, reason string) {
	p.delete(ctx, log, pe)
	d := event.Draft{
		TenantID:  pe.TenantID,
		SessionID: pe.SessionID,
		UserID:    pe.UserID,
		Type:      event.SessionDeleted,
		Payload:   event.SessionDeletedData{Reason: reason},
	}
	if pe.TenantScoped() {
		d.Type = event.SubscriptionStopped
	}
	common.NeverRaise(log, "polling.terminate", func() error {
		_, err := p.events.Append(ctx, d)
		return err
	})
}
