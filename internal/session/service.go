package session

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/logging"
)

// Platform is the part of a polling platform the session lifecycle needs.
type Platform interface {
	ContextType() ContextType
	PendingType() event.PendingType
	// TenantScoped platforms keep one context per tenant shared by all
	// of its sessions.
	TenantScoped() bool
	InitialSettings() ([]byte, error)
}

type EstablishRequest struct {
	TenantID          string
	UserID            string
	AccessToken       string
	InstanceURL       string
	ExpirationSeconds int
}

// Service creates and closes sessions. It activates every registered
// platform for a new session and schedules its first poll.
type Service struct {
	repo      *Repository
	events    *event.Log
	pending   *event.PendingQueue
	platforms []Platform
	clock     clock.Clock
	log       *logging.Logger
}

func NewService(repo *Repository, events *event.Log, pending *event.PendingQueue, clk clock.Clock, log *logging.Logger, platforms ...Platform) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{repo: repo, events: events, pending: pending, platforms: platforms, clock: clk, log: log}
}

func (s *Service) Repository() *Repository { return s.repo }

func (s *Service) Establish(ctx context.Context, req EstablishRequest) (*Session, error) {
	if req.TenantID == "" || req.UserID == "" {
		return nil, common.InvalidParameterf("tenant_id and user_id are required")
	}
	if req.ExpirationSeconds < 0 {
		return nil, common.InvalidParameterf("expiration_seconds must not be negative")
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		TenantID:          req.TenantID,
		SessionID:         id,
		UserID:            req.UserID,
		AccessToken:       req.AccessToken,
		InstanceURL:       req.InstanceURL,
		ExpirationSeconds: req.ExpirationSeconds,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	for _, p := range s.platforms {
		if err := s.activate(ctx, sess, p); err != nil {
			s.discard(ctx, sess)
			return nil, fmt.Errorf("activate %s: %w", p.ContextType(), err)
		}
	}

	if _, err := s.events.Append(ctx, event.Draft{
		TenantID:  sess.TenantID,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Type:      event.SessionCreated,
	}); err != nil {
		s.discard(ctx, sess)
		return nil, err
	}
	s.log.Info().Str("tenant_id", sess.TenantID).Str("session_id", sess.SessionID).Msg("session established")
	return sess, nil
}

func (s *Service) activate(ctx context.Context, sess *Session, p Platform) error {
	settings, err := p.InitialSettings()
	if err != nil {
		return err
	}
	pe := &event.PendingEvent{EventType: p.PendingType(), TenantID: sess.TenantID, UserID: sess.UserID}

	if p.TenantScoped() {
		// the shared cursor may already exist; keep it
		if _, err := s.repo.GetTenantContext(ctx, sess.TenantID, p.ContextType()); errors.Is(err, common.ErrNotFound) {
			err := s.repo.UpdateOrCreateTenantContext(ctx, &TenantContext{TenantID: sess.TenantID, ContextType: p.ContextType(), Data: settings})
			if err != nil && !errors.Is(err, common.ErrOptimisticLock) {
				return err
			}
		} else if err != nil {
			return err
		}
		pe.UserID = ""
		return s.pending.Schedule(ctx, pe)
	}

	if err := s.repo.UpdateOrCreateContext(ctx, &SessionContext{
		TenantID:           sess.TenantID,
		SessionID:          sess.SessionID,
		ContextType:        p.ContextType(),
		UserID:             sess.UserID,
		SerializedSettings: settings,
	}); err != nil {
		return err
	}
	pe.SessionID = sess.SessionID
	return s.pending.Schedule(ctx, pe)
}

// discard removes what a failed Establish left behind so no processor polls
// a session its caller never got. The shared tenant cursor stays.
func (s *Service) discard(ctx context.Context, sess *Session) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With("session_id", sess.SessionID)
	common.NeverRaise(log, "session.discard", func() error {
		if err := s.pending.DeleteForSession(ctx, sess.TenantID, sess.SessionID); err != nil {
			return err
		}
		return s.repo.DeleteSession(ctx, sess.TenantID, sess.SessionID)
	})
}

// Close ends a session owned by userID. Sessions of other users are
// reported as not found.
func (s *Service) Close(ctx context.Context, tenantID, userID, sessionID, reason string) error {
	sess, err := s.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return common.NotFoundf("session %s", sessionID)
	}
	if reason == "" {
		reason = "closed"
	}
	_, err = s.events.Append(ctx, event.Draft{
		TenantID:  tenantID,
		SessionID: sessionID,
		UserID:    userID,
		Type:      event.SessionDeleted,
		Payload:   event.SessionDeletedData{Reason: reason},
	})
	return err
}

// Listener drops session state when a SESSION_DELETED event commits.
func (s *Service) Listener() event.Listener {
	return event.ListenerFunc(func(_ context.Context, ev event.Event) ([]event.WriteRequest, error) {
		if ev.Type != event.SessionDeleted || ev.SessionID == "" {
			return nil, nil
		}
		writes := []event.WriteRequest{func(tx *gorm.DB) error {
			return s.repo.deleteSessionTx(tx, ev.TenantID, ev.SessionID)
		}}
		for _, p := range s.platforms {
			if p.TenantScoped() {
				continue
			}
			writes = append(writes, s.pending.DeleteRequest(p.PendingType(), ev.TenantID, ev.SessionID))
		}
		return writes, nil
	})
}
