// Package pubsub polls a tenant's event bus subscription. One cursor, the
// replay id, is shared by all sessions of the tenant.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/suPer8Hu/eventshim/internal/codec"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/session"
)

const (
	settingsKind    = "pubsub.settings"
	settingsVersion = 1
)

type Settings struct {
	ReplayID  int64  `cbor:"1,keyasint"`
	Topic     string `cbor:"2,keyasint"`
	PollCount int64  `cbor:"3,keyasint"`
}

func EncodeSettings(s Settings) ([]byte, error) {
	return codec.Encode(settingsKind, settingsVersion, s)
}

func DecodeSettings(b []byte) (Settings, error) {
	var s Settings
	if len(b) == 0 {
		return s, nil
	}
	_, err := codec.Decode(b, settingsKind, &s)
	return s, err
}

// TokenSource returns the bearer credential for a tenant's bus.
type TokenSource interface {
	Token(ctx context.Context, tenantID string) (string, error)
}

type TokenFunc func(ctx context.Context, tenantID string) (string, error)

func (f TokenFunc) Token(ctx context.Context, tenantID string) (string, error) { return f(ctx, tenantID) }

type Config struct {
	BaseURL      string
	Topic        string
	BatchSize    int
	PollInterval time.Duration
	Timeout      time.Duration
}

type Platform struct {
	cfg    Config
	http   *resty.Client
	tokens TokenSource
	log    *logging.Logger
}

func NewPlatform(cfg Config, tokens TokenSource, log *logging.Logger) *Platform {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Platform{cfg: cfg, http: c, tokens: tokens, log: log}
}

func (p *Platform) ContextType() session.ContextType { return session.PubSub }
func (p *Platform) PendingType() event.PendingType   { return event.PubSubPoll }
func (p *Platform) TenantScoped() bool               { return true }

// InitialSettings starts at replay id -1, meaning only new events.
func (p *Platform) InitialSettings() ([]byte, error) {
	return EncodeSettings(Settings{ReplayID: -1, Topic: p.cfg.Topic})
}

type busEvent struct {
	ReplayID int64           `json:"replayId"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

type fetchResp struct {
	Events         []busEvent `json:"events"`
	LatestReplayID int64      `json:"latestReplayId"`
}

// BusEventData is the payload of a BUS_EVENT.
type BusEventData struct {
	Topic    string          `json:"topic"`
	ReplayID int64           `json:"replay_id"`
	Type     string          `json:"type,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (p *Platform) Poll(ctx context.Context, target polling.Target, raw []byte) (polling.Result, error) {
	s, err := DecodeSettings(raw)
	if err != nil {
		return polling.Result{}, err
	}
	if s.Topic == "" {
		s.Topic = p.cfg.Topic
	}
	token, err := p.tokens.Token(ctx, target.TenantID)
	if err != nil {
		err = fmt.Errorf("pubsub credentials for %s: %w", target.TenantID, err)
		if errors.Is(err, common.ErrNotFound) {
			return polling.Result{}, err
		}
		return polling.Result{}, polling.Transient(err)
	}

	var out fetchResp
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("X-Tenant-ID", target.TenantID).
		SetPathParam("topic", s.Topic).
		SetQueryParam("replayId", strconv.FormatInt(s.ReplayID, 10)).
		SetQueryParam("limit", strconv.Itoa(p.cfg.BatchSize)).
		SetResult(&out).
		Get("/topics/{topic}/events")
	if err != nil {
		return polling.Result{}, polling.Transient(err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return polling.Result{}, fmt.Errorf("pubsub: status %d: %w", code, polling.ErrSessionRevoked)
	case code == http.StatusTooManyRequests, code >= 500:
		return polling.Result{}, polling.Transient(fmt.Errorf("pubsub: status %d", code))
	case resp.IsError():
		return polling.Result{}, fmt.Errorf("pubsub: status %d", code)
	}

	res := polling.Result{NextPoll: p.cfg.PollInterval}
	for _, ev := range out.Events {
		if ev.ReplayID <= s.ReplayID {
			continue
		}
		res.Events = append(res.Events, event.Draft{
			TenantID: target.TenantID,
			Type:     event.BusEvent,
			Payload:  BusEventData{Topic: s.Topic, ReplayID: ev.ReplayID, Type: ev.Type, Payload: ev.Payload},
		})
		s.ReplayID = ev.ReplayID
	}
	if out.LatestReplayID > s.ReplayID && len(out.Events) == 0 {
		s.ReplayID = out.LatestReplayID
	}
	if len(out.Events) >= p.cfg.BatchSize {
		// more is waiting
		res.NextPoll = time.Millisecond
	}
	s.PollCount++
	res.Settings, err = EncodeSettings(s)
	return res, err
}

// SecretReader is the part of the secrets store SecretTokens needs.
type SecretReader interface {
	GetJSON(ctx context.Context, name string, v any) error
}

// SecretTokens reads {"token": "..."} from the secret "<prefix>/<tenant>".
func SecretTokens(r SecretReader, prefix string) TokenSource {
	return TokenFunc(func(ctx context.Context, tenantID string) (string, error) {
		var cred struct {
			Token string `json:"token"`
		}
		if err := r.GetJSON(ctx, prefix+"/"+tenantID, &cred); err != nil {
			return "", err
		}
		if cred.Token == "" {
			return "", fmt.Errorf("secret %s/%s has no token", prefix, tenantID)
		}
		return cred.Token, nil
	})
}
