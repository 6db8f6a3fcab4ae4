// Package trigger turns queue messages into processor runs. A message is
// a small JSON document naming what to run:
//
//	{"type":"poll","pending_type":"LIVE_AGENT_POLL"}
//	{"type":"push_delivery"}
//	{"type":"sweep"}
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/push"
)

const (
	TypePoll         = "poll"
	TypePushDelivery = "push_delivery"
	TypeSweep        = "sweep"
)

type Message struct {
	Type        string            `json:"type"`
	PendingType string            `json:"pending_type,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Handler runs one trigger.
type Handler func(ctx context.Context, m Message) error

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logging.Logger
}

func NewDispatcher(log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{handlers: map[string]Handler{}, log: log}
}

func (d *Dispatcher) Register(typ string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToLower(typ)] = h
}

// Handle decodes body and runs the matching handler. Malformed bodies and
// unknown types fail with common.ErrInvalidParameter; redelivery cannot
// fix them.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return common.InvalidParameterf("trigger body: %v", err)
	}
	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	if m.Type == "" {
		return common.InvalidParameterf("trigger type is required")
	}
	d.mu.RLock()
	h := d.handlers[m.Type]
	d.mu.RUnlock()
	if h == nil {
		return common.InvalidParameterf("unknown trigger type %q", m.Type)
	}
	return h(ctx, m)
}

// BudgetFunc starts the time budget of one invocation.
type BudgetFunc func() *polling.Budget

// NewBudgetFunc hands every invocation total time, keeping reserve back.
func NewBudgetFunc(clk clock.Clock, total, reserve time.Duration) BudgetFunc {
	return func() *polling.Budget { return polling.NewBudget(clk, total, reserve) }
}

// PollHandler runs one batch of the processor registered for the message's
// pending type. Stopping early for the budget is not a failure.
func PollHandler(reg *polling.Registry, budget BudgetFunc, log *logging.Logger) Handler {
	return func(ctx context.Context, m Message) error {
		p, err := reg.Get(m.PendingType)
		if err != nil {
			return err
		}
		stats, err := p.Run(ctx, budget())
		if err != nil && !errors.Is(err, polling.ErrPollingShutdown) {
			return fmt.Errorf("poll %s: %w", m.PendingType, err)
		}
		log.Info().
			Str("pending_type", string(p.Type())).
			Int("leased", stats.Leased).
			Int("continued", stats.Continued).
			Int("done", stats.Done).
			Int("retried", stats.Retried).
			Int("dropped", stats.Dropped).
			Bool("shutdown", err != nil).
			Msg("poll batch finished")
		return nil
	}
}

func PushHandler(d *push.DeliveryProcessor, budget BudgetFunc, log *logging.Logger) Handler {
	return func(ctx context.Context, _ Message) error {
		stats, err := d.Run(ctx, budget())
		if err != nil && !errors.Is(err, polling.ErrPollingShutdown) {
			return fmt.Errorf("push delivery: %w", err)
		}
		log.Info().
			Int("leased", stats.Leased).
			Int("sent", stats.Sent).
			Int("retried", stats.Retried).
			Int("dropped", stats.Dropped).
			Msg("push batch finished")
		return nil
	}
}

// Sweeper removes expired rows of one table.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type SweeperFunc func(ctx context.Context) (int64, error)

func (f SweeperFunc) Sweep(ctx context.Context) (int64, error) { return f(ctx) }

// SweepHandler runs every sweeper and reports the first failure after
// trying them all.
func SweepHandler(log *logging.Logger, sweepers map[string]Sweeper) Handler {
	return func(ctx context.Context, _ Message) error {
		var first error
		for name, s := range sweepers {
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Str("table", name).Msg("sweep failed")
				if first == nil {
					first = fmt.Errorf("sweep %s: %w", name, err)
				}
				continue
			}
			if n > 0 {
				log.Info().Str("table", name).Int64("removed", n).Msg("swept expired rows")
			}
		}
		return first
	}
}
