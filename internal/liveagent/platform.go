package liveagent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/suPer8Hu/eventshim/internal/event"
	"github.com/suPer8Hu/eventshim/internal/logging"
	"github.com/suPer8Hu/eventshim/internal/polling"
	"github.com/suPer8Hu/eventshim/internal/session"
)

// Platform polls Live Agent once per session and maps its messages to
// domain events.
type Platform struct {
	client       *Client
	pollInterval time.Duration
	log          *logging.Logger
}

func NewPlatform(client *Client, pollInterval time.Duration, log *logging.Logger) *Platform {
	if log == nil {
		log = logging.Nop()
	}
	return &Platform{client: client, pollInterval: pollInterval, log: log}
}

func (p *Platform) ContextType() session.ContextType { return session.LiveAgent }
func (p *Platform) PendingType() event.PendingType   { return event.LiveAgentPoll }
func (p *Platform) TenantScoped() bool               { return false }

func (p *Platform) InitialSettings() ([]byte, error) {
	return EncodeSettings(Settings{})
}

type chatMessage struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type workMessage struct {
	WorkID       string `json:"workId"`
	WorkTargetID string `json:"workTargetId"`
}

type chatEnded struct {
	Reason string `json:"reason"`
}

func (p *Platform) Poll(ctx context.Context, target polling.Target, raw []byte) (polling.Result, error) {
	s, err := DecodeSettings(raw)
	if err != nil {
		return polling.Result{}, err
	}
	var baseURL string
	if target.Session != nil {
		baseURL = target.Session.InstanceURL
	}

	if s.SessionKey == "" {
		started, err := p.client.StartSession(ctx, baseURL)
		if err != nil {
			return polling.Result{}, err
		}
		s.SessionKey, s.AffinityToken = started.SessionKey, started.AffinityToken
		out, err := EncodeSettings(s)
		return polling.Result{Settings: out, NextPoll: time.Millisecond}, err
	}

	resp, err := p.client.Messages(ctx, baseURL, s)
	if err != nil {
		return polling.Result{}, err
	}
	s.PollCount++

	res := polling.Result{NextPoll: p.pollInterval}
	if resp != nil {
		if resp.Sequence > s.Ack {
			s.Ack = resp.Sequence
		}
		for _, m := range resp.Messages {
			p.apply(&s, &res, m)
		}
	}
	res.Settings, err = EncodeSettings(s)
	return res, err
}

func (p *Platform) apply(s *Settings, res *polling.Result, m Message) {
	switch m.Type {
	case "ChatMessage":
		var cm chatMessage
		if err := json.Unmarshal(m.Message, &cm); err != nil {
			p.log.Warn().Err(err).Msg("malformed chat message")
			return
		}
		res.Events = append(res.Events, event.Draft{Type: event.ChatMessage, Payload: event.ChatMessageData{Name: cm.Name, Text: cm.Text}})
	case "ChatEstablished", "ChatTransferred":
		var wm workMessage
		if err := json.Unmarshal(m.Message, &wm); err != nil || wm.WorkID == "" || wm.WorkTargetID == "" {
			res.Events = append(res.Events, event.Draft{Type: event.PlatformMessage, Payload: m})
			return
		}
		typ := event.WorkAccepted
		if m.Type == "ChatTransferred" {
			typ = event.WorkAssigned
		}
		s.WorkID, s.WorkTargetID = wm.WorkID, wm.WorkTargetID
		res.Events = append(res.Events, event.Draft{Type: typ, Payload: event.WorkAcceptedData{WorkID: wm.WorkID, WorkTargetID: wm.WorkTargetID}})
	case "ChatEnded":
		var ce chatEnded
		_ = json.Unmarshal(m.Message, &ce)
		if s.WorkTargetID != "" {
			res.Events = append(res.Events, event.Draft{Type: event.WorkEnded, Payload: event.WorkEndedData{WorkID: s.WorkID, WorkTargetID: s.WorkTargetID}})
		}
		reason := ce.Reason
		if reason == "" {
			reason = "chat_ended"
		}
		res.Events = append(res.Events, event.Draft{Type: event.SessionDeleted, Payload: event.SessionDeletedData{Reason: reason}})
		res.Outcome = polling.Done
	case "AgentTyping", "AgentNotTyping", "ChatRequestSuccess":
	default:
		res.Events = append(res.Events, event.Draft{Type: event.PlatformMessage, Payload: m})
	}
}
