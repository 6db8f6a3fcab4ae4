package app

import (
	"context"
	"time"

	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/schedule"
	"github.com/suPer8Hu/eventshim/internal/trigger"
)

// FunctionTrigger is the schedulable function that emits a trigger
// message built from its parameters.
const FunctionTrigger = "trigger"

const sweepEveryMinutes = 15

// ScheduleTriggers registers the recurring poll, push and sweep triggers
// on s plus one sweep shortly after startup. With a nil pub triggers run
// in-process.
func (a *App) ScheduleTriggers(s *schedule.Scheduler, pub JSONPublisher) error {
	s.Register(FunctionTrigger, func(ctx context.Context, params map[string]string) error {
		return a.Publish(ctx, pub, trigger.Message{Type: params["type"], PendingType: params["pending_type"]})
	})

	rate := schedule.Rate(a.Config.PollRateMinutes)
	for _, t := range a.Polling.Types() {
		params := map[string]string{"type": trigger.TypePoll, "pending_type": string(t)}
		if _, err := s.Schedule(FunctionTrigger, params, rate); err != nil {
			return err
		}
	}
	if _, err := s.Schedule(FunctionTrigger, map[string]string{"type": trigger.TypePushDelivery, "pending_type": string(event.PushDelivery)}, rate); err != nil {
		return err
	}
	sweep := map[string]string{"type": trigger.TypeSweep}
	if _, err := s.Schedule(FunctionTrigger, sweep, schedule.Rate(sweepEveryMinutes)); err != nil {
		return err
	}
	_, err := s.Schedule(FunctionTrigger, sweep, schedule.At(a.Clock.Now().Add(time.Minute)))
	return err
}
