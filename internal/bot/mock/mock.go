// Package mock provides test doubles for the bot package interfaces.
//
// Use Client to script gateway responses and inspect which calls the
// orchestrator made. Use Stream to feed controlled status events to the push
// path.
//
// Example:
//
//	stream := &mock.Stream{Events: make(chan session.StatusUpdate, 4)}
//	c := &mock.Client{Stream: stream}
//	stream.Events <- session.StatusUpdate{State: session.BotStateRecording}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/professor2004h/meetscribe/internal/bot"
	"github.com/professor2004h/meetscribe/internal/session"
)

// StartBotCall records a single invocation of Client.StartBot.
type StartBotCall struct {
	MeetingURL string
	SessionID  string
}

// StopBotCall records a single invocation of Client.StopBot.
type StopBotCall struct {
	BotID     string
	SessionID string
}

// Client is a mock implementation of bot.Client.
type Client struct {
	mu sync.Mutex

	// StartDispatch is returned by StartBot when StartBotErr is nil.
	StartDispatch bot.Dispatch

	// StartBotErr, if non-nil, is returned as the error from StartBot.
	StartBotErr error

	// FindDispatch is returned by FindBot when FindBotErr is nil.
	FindDispatch bot.Dispatch

	// FindBotErr, if non-nil, is returned as the error from FindBot.
	FindBotErr error

	// StopResult is returned by StopBot when StopBotErr is nil.
	StopResult bot.StopResult

	// StopBotErr, if non-nil, is returned as the error from StopBot.
	StopBotErr error

	// StatusFn, if non-nil, produces BotStatus results. Otherwise Status and
	// StatusErr are returned as-is.
	StatusFn func() (session.StatusUpdate, error)

	// Status is the fixed BotStatus result when StatusFn is nil.
	Status session.StatusUpdate

	// StatusErr, if non-nil, is returned by every BotStatus call.
	StatusErr error

	// Stream is the EventStream returned by SubscribeBotEvents. If nil,
	// SubscribeBotEvents returns SubscribeErr or a closed-out default stream.
	Stream bot.EventStream

	// SubscribeErr, if non-nil, is returned by every SubscribeBotEvents call.
	SubscribeErr error

	// --- Call records ---

	StartBotCalls  []StartBotCall
	FindBotCalls   []StartBotCall
	StopBotCalls   []StopBotCall
	BotStatusCalls int
	SubscribeCalls int
}

// StartBot records the call and returns StartDispatch, StartBotErr.
func (c *Client) StartBot(_ context.Context, meetingURL, sessionID string) (bot.Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartBotCalls = append(c.StartBotCalls, StartBotCall{MeetingURL: meetingURL, SessionID: sessionID})
	if c.StartBotErr != nil {
		return bot.Dispatch{}, c.StartBotErr
	}
	return c.StartDispatch, nil
}

// FindBot records the call and returns FindDispatch, FindBotErr.
func (c *Client) FindBot(_ context.Context, meetingURL, sessionID string) (bot.Dispatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FindBotCalls = append(c.FindBotCalls, StartBotCall{MeetingURL: meetingURL, SessionID: sessionID})
	if c.FindBotErr != nil {
		return bot.Dispatch{}, c.FindBotErr
	}
	return c.FindDispatch, nil
}

// StopBot records the call and returns StopResult, StopBotErr.
func (c *Client) StopBot(_ context.Context, botID, sessionID string) (bot.StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopBotCalls = append(c.StopBotCalls, StopBotCall{BotID: botID, SessionID: sessionID})
	if c.StopBotErr != nil {
		return bot.StopResult{}, c.StopBotErr
	}
	return c.StopResult, nil
}

// BotStatus records the call and returns the scripted status.
func (c *Client) BotStatus(context.Context, string) (session.StatusUpdate, error) {
	c.mu.Lock()
	fn := c.StatusFn
	u, err := c.Status, c.StatusErr
	c.BotStatusCalls++
	c.mu.Unlock()

	if fn != nil {
		return fn()
	}
	if err != nil {
		return session.StatusUpdate{}, err
	}
	return u, nil
}

// SubscribeBotEvents records the call and returns Stream, SubscribeErr.
func (c *Client) SubscribeBotEvents(context.Context, string) (bot.EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls++
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	if c.Stream != nil {
		return c.Stream, nil
	}
	return &Stream{Events: make(chan session.StatusUpdate)}, nil
}

// StopBotCallCount returns the number of StopBot calls. Thread-safe.
func (c *Client) StopBotCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StopBotCalls)
}

// SubscribeCallCount returns the number of SubscribeBotEvents calls. Thread-safe.
func (c *Client) SubscribeCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SubscribeCalls
}

// Ensure Client implements bot.Client at compile time.
var _ bot.Client = (*Client)(nil)

// ErrStreamClosed is returned by Stream.Next after the Events channel closes.
var ErrStreamClosed = errors.New("mock: event stream closed")

// Stream is a mock implementation of bot.EventStream. Callers own the Events
// channel: send the updates the consumer should receive, then close it to
// simulate a dropped subscription.
type Stream struct {
	// Events is the channel Next reads from.
	Events chan session.StatusUpdate

	mu         sync.Mutex
	closeCount int
}

// Next returns the next scripted event, ErrStreamClosed once Events is
// closed, or ctx.Err on cancellation.
func (s *Stream) Next(ctx context.Context) (session.StatusUpdate, error) {
	select {
	case u, ok := <-s.Events:
		if !ok {
			return session.StatusUpdate{}, ErrStreamClosed
		}
		return u, nil
	case <-ctx.Done():
		return session.StatusUpdate{}, ctx.Err()
	}
}

// Close records the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Stream) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Ensure Stream implements bot.EventStream at compile time.
var _ bot.EventStream = (*Stream)(nil)
