// Package meetbot implements the bot gateway client over the meetbot HTTP
// API and its WebSocket event stream. It implements the bot.Client interface.
//
// All HTTP calls go through a shared circuit breaker so a dead gateway is
// rejected fast instead of hammered; the status channel treats the breaker's
// open-circuit error as an ordinary transport error and keeps backing off.
package meetbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/professor2004h/meetscribe/internal/bot"
	"github.com/professor2004h/meetscribe/internal/resilience"
	"github.com/professor2004h/meetscribe/internal/session"
)

const defaultTimeout = 15 * time.Second

// Option is a functional option for configuring the meetbot Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpc = hc
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// Client talks to one meetbot gateway. It implements bot.Client and is safe
// for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
}

// New creates a gateway client for baseURL (scheme + host, no trailing
// slash). baseURL must be non-empty; apiKey may be empty for an unsecured
// gateway.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("meetbot: baseURL must not be empty")
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "meetbot-gateway",
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

type dispatchRequest struct {
	MeetingURL string `json:"meeting_url"`
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
}

type dispatchResponse struct {
	BotID      string `json:"bot_id"`
	MeetingURL string `json:"meeting_url"`
	Status     string `json:"status"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

type stopResponse struct {
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
	Warning    string `json:"warning"`
}

type statusResponse struct {
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
}

type eventMessage struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
}

// StartBot implements [bot.Client.StartBot]. HTTP 409 from the gateway maps
// to [bot.ErrAlreadyStarted]. Every dispatch carries a fresh request ID so
// the gateway can deduplicate retried dispatches.
func (c *Client) StartBot(ctx context.Context, meetingURL, sessionID string) (bot.Dispatch, error) {
	var resp dispatchResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/bots", dispatchRequest{
		MeetingURL: meetingURL,
		SessionID:  sessionID,
		RequestID:  uuid.NewString(),
	}, &resp)
	if err != nil {
		return bot.Dispatch{}, fmt.Errorf("meetbot: start bot: %w", err)
	}
	return toDispatch(resp), nil
}

// FindBot implements [bot.Client.FindBot].
func (c *Client) FindBot(ctx context.Context, meetingURL, sessionID string) (bot.Dispatch, error) {
	q := url.Values{}
	q.Set("meeting_url", meetingURL)
	q.Set("session_id", sessionID)

	var resp dispatchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/bots/find?"+q.Encode(), nil, &resp); err != nil {
		return bot.Dispatch{}, fmt.Errorf("meetbot: find bot: %w", err)
	}
	return toDispatch(resp), nil
}

// StopBot implements [bot.Client.StopBot].
func (c *Client) StopBot(ctx context.Context, botID, sessionID string) (bot.StopResult, error) {
	var resp stopResponse
	path := "/v1/bots/" + url.PathEscape(botID) + "/stop"
	if err := c.doJSON(ctx, http.MethodPost, path, stopRequest{SessionID: sessionID}, &resp); err != nil {
		return bot.StopResult{}, fmt.Errorf("meetbot: stop bot %q: %w", botID, err)
	}
	return bot.StopResult{
		State:      session.BotState(resp.Status),
		Transcript: resp.Transcript,
		Warning:    resp.Warning,
	}, nil
}

// BotStatus implements [bot.Client.BotStatus].
func (c *Client) BotStatus(ctx context.Context, botID string) (session.StatusUpdate, error) {
	var resp statusResponse
	path := "/v1/bots/" + url.PathEscape(botID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return session.StatusUpdate{}, fmt.Errorf("meetbot: bot status %q: %w", botID, err)
	}

	state := session.BotState(resp.Status)
	if !state.IsValid() {
		return session.StatusUpdate{}, fmt.Errorf("meetbot: bot status %q: unknown state %q", botID, resp.Status)
	}
	return session.StatusUpdate{
		State:      state,
		Transcript: resp.Transcript,
		ObservedAt: time.Now(),
	}, nil
}

// SubscribeBotEvents implements [bot.Client.SubscribeBotEvents]. It dials the
// gateway's WebSocket event endpoint; the returned stream yields one status
// update per "status_update" message.
func (c *Client) SubscribeBotEvents(ctx context.Context, botID string) (bot.EventStream, error) {
	wsURL, err := c.eventsURL(botID)
	if err != nil {
		return nil, fmt.Errorf("meetbot: events URL: %w", err)
	}

	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set("Authorization", "Token "+c.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("meetbot: dial events for %q: %w", botID, err)
	}
	return &eventStream{conn: conn}, nil
}

// eventsURL converts the HTTP base URL into the ws/wss event endpoint.
func (c *Client) eventsURL(botID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/v1/bots/" + url.PathEscape(botID) + "/events"
	return u.String(), nil
}

// doJSON performs one breaker-guarded HTTP round trip, encoding body (when
// non-nil) and decoding the response into out.
//
// HTTP 409 is an application-level answer (the bot already exists), not a
// gateway fault, so it is reported to the caller without counting as a
// breaker failure.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var appErr error
	err := c.breaker.Execute(func() error {
		var reqBody io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			reqBody = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Token "+c.apiKey)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			io.Copy(io.Discard, resp.Body)
			appErr = bot.ErrAlreadyStarted
			return nil
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return appErr
}

func toDispatch(resp dispatchResponse) bot.Dispatch {
	return bot.Dispatch{
		BotID:      resp.BotID,
		MeetingURL: resp.MeetingURL,
		State:      session.BotState(resp.Status),
	}
}

// ---- event stream ----

// eventStream is a live WebSocket subscription. It implements bot.EventStream.
type eventStream struct {
	conn *websocket.Conn
}

// Next reads messages until it finds the next status_update.
func (s *eventStream) Next(ctx context.Context) (session.StatusUpdate, error) {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return session.StatusUpdate{}, fmt.Errorf("meetbot: read event: %w", err)
		}

		u, ok := parseEvent(msg)
		if !ok {
			continue
		}
		return u, nil
	}
}

// Close terminates the subscription cleanly. Safe to call multiple times.
func (s *eventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "subscription closed")
}

// parseEvent parses a raw gateway WebSocket message into a StatusUpdate.
// Returns (zero, false) for messages that should be ignored.
func parseEvent(data []byte) (session.StatusUpdate, bool) {
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return session.StatusUpdate{}, false
	}
	if msg.Type != "status_update" {
		return session.StatusUpdate{}, false
	}
	state := session.BotState(msg.Status)
	if !state.IsValid() {
		return session.StatusUpdate{}, false
	}
	return session.StatusUpdate{
		State:      state,
		Transcript: msg.Transcript,
		ObservedAt: time.Now(),
	}, true
}

// Ensure Client implements bot.Client at compile time.
var _ bot.Client = (*Client)(nil)
