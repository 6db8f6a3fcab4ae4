// Package liveagent polls the Live Agent REST messages endpoint on behalf
// of chat sessions.
package liveagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/suPer8Hu/eventshim/internal/polling"
)

const (
	headerAPIVersion = "X-LIVEAGENT-API-VERSION"
	headerAffinity   = "X-LIVEAGENT-AFFINITY"
	headerSessionKey = "X-LIVEAGENT-SESSION-KEY"
)

type Client struct {
	BaseURL    string
	APIVersion string
	HTTP       *http.Client
}

func NewClient(baseURL, apiVersion string, timeout time.Duration) *Client {
	if apiVersion == "" {
		apiVersion = "56"
	}
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		APIVersion: apiVersion,
		HTTP:       &http.Client{Timeout: timeout},
	}
}

type sessionIDResp struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	AffinityToken string `json:"affinityToken"`
}

type Message struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// MessagesResponse is one batch of the System/Messages long poll.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
	Sequence int64     `json:"sequence"`
	Offset   int64     `json:"offset"`
}

// StartSession opens a Live Agent session and returns its key material.
func (c *Client) StartSession(ctx context.Context, baseURL string) (Settings, error) {
	req, err := c.newRequest(ctx, baseURL, "/chat/rest/System/SessionId", nil)
	if err != nil {
		return Settings{}, err
	}
	req.Header.Set(headerAffinity, "null")

	var decoded sessionIDResp
	if _, err := c.do(req, &decoded); err != nil {
		return Settings{}, err
	}
	if decoded.Key == "" {
		return Settings{}, errors.New("liveagent: empty session key")
	}
	return Settings{SessionKey: decoded.Key, AffinityToken: decoded.AffinityToken}, nil
}

// Messages performs one long poll. A nil response means nothing arrived.
func (c *Client) Messages(ctx context.Context, baseURL string, s Settings) (*MessagesResponse, error) {
	q := url.Values{}
	q.Set("ack", strconv.FormatInt(s.Ack, 10))
	req, err := c.newRequest(ctx, baseURL, "/chat/rest/System/Messages", q)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAffinity, s.AffinityToken)
	req.Header.Set(headerSessionKey, s.SessionKey)

	var decoded MessagesResponse
	status, err := c.do(req, &decoded)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &decoded, nil
}

func (c *Client) newRequest(ctx context.Context, baseURL, path string, q url.Values) (*http.Request, error) {
	if baseURL == "" {
		baseURL = c.BaseURL
	}
	if baseURL == "" {
		return nil, errors.New("liveagent: no endpoint configured")
	}
	u := baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAPIVersion, c.APIVersion)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do maps transport and status failures onto the polling error classes.
func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, polling.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("liveagent: status %d: %w", resp.StatusCode, polling.ErrSessionRevoked)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode >= 500:
		return resp.StatusCode, polling.Transient(fmt.Errorf("liveagent: status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("liveagent: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, polling.Transient(err)
	}
	if len(body) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("liveagent: decode: %w", err)
	}
	return resp.StatusCode, nil
}
