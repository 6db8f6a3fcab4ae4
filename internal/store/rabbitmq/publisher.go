package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages on one channel. The trigger queue topology is
// declared on construction so the worker and publishers agree on it.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	mu    sync.Mutex
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Queue is the trigger queue name.
func (p *Publisher) Queue() string { return p.queue }

// Publish sends body to exchange with routingKey. The empty exchange
// routes straight to the queue named routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.publish(ctx, exchange, routingKey, amqp.Publishing{Body: body})
}

// PublishRetry parks body on the retry queue for delay. When the message
// expires it dead-letters back to the trigger queue carrying attempt in
// the AttemptHeader header.
func (p *Publisher) PublishRetry(ctx context.Context, body []byte, attempt int, delay time.Duration) error {
	return p.publish(ctx, "", p.queue+".retry", amqp.Publishing{
		Body:       body,
		Expiration: strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:    amqp.Table{AttemptHeader: int32(attempt)},
	})
}

// AttemptHeader counts redeliveries through the retry queue.
const AttemptHeader = "x-attempt"

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg.ContentType = "application/json"
	msg.DeliveryMode = amqp.Persistent
	msg.Timestamp = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx, exchange, routingKey, false, false, msg)
}

// PublishJSON sends v to the trigger queue.
func (p *Publisher) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, "", p.queue, body)
}
