// Package polling drives one polling cycle over due pending events: lease,
// lock, load context, poll the external platform, then record the outcome.
package polling

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/session"
)

var (
	// ErrSessionRevoked is returned by Poll when the remote side no longer
	// accepts the session. The pending event is dropped.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrPollingShutdown reports that a run stopped early. Items not yet
	// started stay due and are picked up by the next run.
	ErrPollingShutdown = errors.New("polling shutdown")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

type Outcome int

const (
	// Continue keeps polling after Result.NextPoll.
	Continue Outcome = iota
	// Done deletes the pending event.
	Done
)

func (o Outcome) String() string {
	if o == Done {
		return "done"
	}
	return "continue"
}

// Target is what a single poll is about. Session is nil for tenant scoped
// platforms.
type Target struct {
	TenantID  string
	SessionID string
	UserID    string
	Session   *session.Session
}

type Result struct {
	// Settings replaces the stored context when non-nil.
	Settings []byte
	// Events are appended in order. Empty tenant, session and user fields
	// are filled from the target.
	Events   []event.Draft
	Outcome  Outcome
	NextPoll time.Duration
}

// Platform is an external system polled on behalf of sessions or tenants.
// Poll returns ErrSessionRevoked when the remote side dropped the session
// and wraps retryable failures with Transient. Any other error ends the
// session as well: the request or the reply is malformed.
type Platform interface {
	session.Platform
	Poll(ctx context.Context, target Target, settings []byte) (Result, error)
}
