// Package push routes outbound notifications to a transport backend chosen
// by token prefix, and queues per-session notifications for delivery.
package push

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/metrics"
)

// Separator splits a token into backend prefix and subject.
const Separator = "::"

// Notifier is one push transport. Prefix is empty for the default backend,
// which receives whole tokens; prefixed backends receive only the subject.
type Notifier interface {
	Prefix() string
	Notify(ctx context.Context, subject string, data []byte, dryRun bool) error
}

type Manager struct {
	byPrefix map[string]Notifier
	fallback Notifier
	metrics  *metrics.Recorder
}

// NewManager fails with a *common.ConfigError unless exactly one notifier
// is the default and prefixes are unique.
func NewManager(notifiers ...Notifier) (*Manager, error) {
	if len(notifiers) == 0 {
		return nil, &common.ConfigError{Component: "push", Message: "no notifiers configured"}
	}
	m := &Manager{byPrefix: make(map[string]Notifier)}
	for _, n := range notifiers {
		p := n.Prefix()
		if p == "" {
			if m.fallback != nil {
				return nil, &common.ConfigError{Component: "push", Message: "more than one default notifier"}
			}
			m.fallback = n
			continue
		}
		if strings.Contains(p, Separator) {
			return nil, &common.ConfigError{Component: "push", Message: fmt.Sprintf("prefix %q contains %q", p, Separator)}
		}
		if _, dup := m.byPrefix[p]; dup {
			return nil, &common.ConfigError{Component: "push", Message: fmt.Sprintf("duplicate prefix %q", p)}
		}
		m.byPrefix[p] = n
	}
	if m.fallback == nil {
		return nil, &common.ConfigError{Component: "push", Message: "no default notifier"}
	}
	return m, nil
}

// MustNewManager is NewManager for wiring code; misconfiguration panics.
func MustNewManager(notifiers ...Notifier) *Manager {
	m, err := NewManager(notifiers...)
	if err != nil {
		panic(err)
	}
	return m
}

// WithMetrics records send outcomes per backend.
func (m *Manager) WithMetrics(r *metrics.Recorder) *Manager {
	m.metrics = r
	return m
}

// SplitToken separates "<prefix>::<subject>". ok is false for tokens
// without a separator.
func SplitToken(token string) (prefix, subject string, ok bool) {
	return strings.Cut(token, Separator)
}

// Resolve picks the backend for token and the subject to hand it.
func (m *Manager) Resolve(token string) (Notifier, string) {
	if prefix, subject, ok := SplitToken(token); ok {
		if n, found := m.byPrefix[prefix]; found {
			return n, subject
		}
	}
	return m.fallback, token
}

func (m *Manager) SendPushNotification(ctx context.Context, token string, data []byte) error {
	return m.send(ctx, token, data, false)
}

// TestPushNotification validates the token and backend without delivering.
func (m *Manager) TestPushNotification(ctx context.Context, token string, data []byte) error {
	return m.send(ctx, token, data, true)
}

func (m *Manager) send(ctx context.Context, token string, data []byte, dryRun bool) error {
	n, subject := m.Resolve(token)
	err := n.Notify(ctx, subject, data, dryRun)
	if !dryRun {
		m.metrics.Push(n.Prefix(), err)
	}
	return err
}
