package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/eventshim/internal/common"
)

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,255}$`)

func checkSubject(backend, subject string) error {
	if !subjectPattern.MatchString(subject) {
		return fmt.Errorf("%s subject %q: %w", backend, subject, common.ErrInvalidToken)
	}
	return nil
}

// AMQPPublisher is the publishing side of the rabbitmq store.
type AMQPPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// AMQPNotifier handles "amqp::<routing key>" tokens.
type AMQPNotifier struct {
	pub      AMQPPublisher
	exchange string
}

func NewAMQPNotifier(pub AMQPPublisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{pub: pub, exchange: exchange}
}

func (n *AMQPNotifier) Prefix() string { return "amqp" }

func (n *AMQPNotifier) Notify(ctx context.Context, subject string, data []byte, dryRun bool) error {
	if err := checkSubject("amqp", subject); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	return n.pub.Publish(ctx, n.exchange, subject, data)
}

// RedisNotifier handles "redis::<channel>" tokens with PUBLISH.
type RedisNotifier struct {
	rdb redis.Cmdable
}

func NewRedisNotifier(rdb redis.Cmdable) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Prefix() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, subject string, data []byte, dryRun bool) error {
	if err := checkSubject("redis", subject); err != nil {
		return err
	}
	if dryRun {
		return n.rdb.Ping(ctx).Err()
	}
	return n.rdb.Publish(ctx, subject, data).Err()
}

// HTTPNotifier is the default backend: bare device tokens are posted to a
// push gateway.
type HTTPNotifier struct {
	http *resty.Client
}

func NewHTTPNotifier(baseURL, secret string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if secret != "" {
		c.SetAuthToken(secret)
	}
	return &HTTPNotifier{http: c}
}

func (n *HTTPNotifier) Prefix() string { return "" }

type gatewayReq struct {
	Token  string          `json:"token"`
	Data   json.RawMessage `json:"data"`
	DryRun bool            `json:"dry_run"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, token string, data []byte, dryRun bool) error {
	if err := checkSubject("device", token); err != nil {
		return err
	}
	if !json.Valid(data) {
		b, err := json.Marshal(string(data))
		if err != nil {
			return err
		}
		data = b
	}
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(gatewayReq{Token: token, Data: data, DryRun: dryRun}).
		Post("/send")
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("push gateway rejected token: status %d: %w", code, common.ErrInvalidToken)
	case resp.IsError():
		return fmt.Errorf("push gateway: status %d", code)
	}
	return nil
}
