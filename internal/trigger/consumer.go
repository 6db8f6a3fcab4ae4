package trigger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/store/rabbitmq"
)

// Retrier parks a failed message for a later attempt.
type Retrier interface {
	PublishRetry(ctx context.Context, body []byte, attempt int, delay time.Duration) error
}

// Consumer feeds queue deliveries to a Dispatcher through a fixed pool of
// workers. Messages are acked after their handler returns. Invalid
// messages are nacked without requeue so they dead-letter; failed ones go
// through the retry queue until MaxRetries, then dead-letter too.
type Consumer struct {
	dispatcher  *Dispatcher
	concurrency int
	retrier     Retrier
	log         *logging.Logger

	MaxRetries int
	RetryDelay time.Duration
}

func NewConsumer(d *Dispatcher, concurrency int, retrier Retrier, log *logging.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 2
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Consumer{
		dispatcher:  d,
		concurrency: concurrency,
		retrier:     retrier,
		log:         log,
		MaxRetries:  3,
		RetryDelay:  30 * time.Second,
	}
}

func (c *Consumer) Concurrency() int { return c.concurrency }

// Run consumes msgs until ctx is done or msgs is closed, then waits for
// in-flight messages to finish.
func (c *Consumer) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := c.log.With("worker", strconv.Itoa(workerID))
			for d := range jobs {
				c.handle(ctx, log, d)
			}
		}(i)
	}

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consumer shutting down")
			break loop
		case d, ok := <-msgs:
			if !ok {
				err = errors.New("delivery channel closed")
				break loop
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// every worker is busy; hand the message back to the broker
				_ = d.Nack(false, true)
				c.log.Info().Msg("consumer shutting down")
				break loop
			}
		}
	}
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) handle(ctx context.Context, log *logging.Logger, d amqp.Delivery) {
	start := time.Now()
	// processors stop between items once ctx is done; items in flight finish
	err := c.dispatcher.Handle(ctx, d.Body)
	switch {
	case err != nil && ctx.Err() != nil:
		// interrupted by shutdown, not by the message
		log.Info().Err(err).Msg("trigger interrupted, requeueing")
		_ = d.Nack(false, true)
		return
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Warn().Err(ackErr).Msg("ack failed")
		}
		return
	case errors.Is(err, common.ErrInvalidParameter):
		log.Warn().Err(err).Msg("rejecting trigger")
		_ = d.Nack(false, false)
		return
	}

	attempt := attempts(d) + 1
	log.Warn().Err(err).Int("attempt", attempt).Dur("cost", time.Since(start)).Msg("trigger failed")
	if c.retrier == nil || attempt > c.MaxRetries {
		_ = d.Nack(false, false)
		return
	}
	if rerr := c.retrier.PublishRetry(context.WithoutCancel(ctx), d.Body, attempt, c.RetryDelay*time.Duration(attempt)); rerr != nil {
		log.Warn().Err(rerr).Msg("park for retry failed")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func attempts(d amqp.Delivery) int {
	switch v := d.Headers[rabbitmq.AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
