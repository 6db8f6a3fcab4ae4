// Package schedule is the invocation boundary: named functions are fired
// with flat string parameters either once at a minute boundary (AT) or
// every N minutes (RATE).
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/logging"
)

type TargetType string

const (
	TargetAt   TargetType = "AT"
	TargetRate TargetType = "RATE"
)

// Target says when a function fires. Build it with At or Rate.
type Target struct {
	Type    TargetType
	At      time.Time
	Minutes int
}

// At fires once at t rounded up to the next whole minute.
func At(t time.Time) Target {
	return Target{Type: TargetAt, At: RoundUp(t)}
}

// Rate fires every minutes minutes.
func Rate(minutes int) Target {
	return Target{Type: TargetRate, Minutes: minutes}
}

func RoundUp(t time.Time) time.Time {
	r := t.Truncate(time.Minute)
	if r.Before(t) {
		r = r.Add(time.Minute)
	}
	return r
}

func (t Target) String() string {
	if t.Type == TargetRate {
		return fmt.Sprintf("rate(%d minutes)", t.Minutes)
	}
	return "at(" + t.At.UTC().Format("2006-01-02T15:04") + ")"
}

// Func is a schedulable function.
type Func func(ctx context.Context, params map[string]string) error

// onceSchedule reports its instant to cron a single time; afterwards the
// zero time parks the entry until it is removed.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

type Scheduler struct {
	cron  *cron.Cron
	clock clock.Clock
	log   *logging.Logger

	mu    sync.Mutex
	funcs map[string]Func

	// ctx is handed to every fired function and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{s.log}), cron.WithChain(cron.Recover(cronLogger{s.log})))
	}
}

func New(log *logging.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	s := &Scheduler{clock: clock.Real(), log: log, funcs: map[string]Func{}}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cronLogger{log}), cron.WithChain(cron.Recover(cronLogger{log})))
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds functionID to fn. Registering the same id twice replaces
// the function for future firings.
func (s *Scheduler) Register(functionID string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[functionID] = fn
}

// Schedule arranges for functionID to fire with params at target. An AT
// target already in the past fires immediately.
func (s *Scheduler) Schedule(functionID string, params map[string]string, target Target) (cron.EntryID, error) {
	s.mu.Lock()
	_, ok := s.funcs[functionID]
	s.mu.Unlock()
	if !ok {
		return 0, common.NotFoundf("function %q is not registered", functionID)
	}
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}

	switch target.Type {
	case TargetRate:
		if target.Minutes <= 0 {
			return 0, common.InvalidParameterf("rate must be at least one minute, got %d", target.Minutes)
		}
		spec := fmt.Sprintf("@every %dm", target.Minutes)
		id, err := s.cron.AddFunc(spec, func() { s.fire(functionID, p) })
		if err != nil {
			return 0, fmt.Errorf("schedule %s: %w", functionID, err)
		}
		s.log.Info().Str("function", functionID).Str("target", target.String()).Msg("scheduled")
		return id, nil
	case TargetAt:
		at := RoundUp(target.At)
		if !at.After(s.clock.Now()) {
			go s.fire(functionID, p)
			return 0, nil
		}
		var id cron.EntryID
		var once sync.Once
		id = s.cron.Schedule(onceSchedule{at: at}, cron.FuncJob(func() {
			once.Do(func() {
				s.fire(functionID, p)
				s.cron.Remove(id)
			})
		}))
		s.log.Info().Str("function", functionID).Str("target", target.String()).Msg("scheduled")
		return id, nil
	default:
		return 0, common.InvalidParameterf("unknown target type %q", target.Type)
	}
}

// Cancel removes a scheduled entry.
func (s *Scheduler) Cancel(id cron.EntryID) {
	s.cron.Remove(id)
}

// Pending reports how many entries are still scheduled.
func (s *Scheduler) Pending() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops firing, cancels the context of running functions and returns
// a context done once they return.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

func (s *Scheduler) fire(functionID string, params map[string]string) {
	s.mu.Lock()
	fn := s.funcs[functionID]
	s.mu.Unlock()
	if fn == nil {
		return
	}
	start := s.clock.Now()
	err := fn(s.ctx, params)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("function", functionID).Dur("elapsed", s.clock.Now().Sub(start)).Msg("scheduled function finished")
}

// cronLogger adapts the zerolog logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
