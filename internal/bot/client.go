// Package bot orchestrates remote meeting bots: dispatching them through the
// bot gateway, propagating their status over concurrent push and poll paths,
// and driving the recording session's state machine from whichever path
// delivers first.
package bot

import (
	"context"
	"errors"

	"github.com/professor2004h/meetscribe/internal/session"
)

// ErrAlreadyStarted is returned by [Client.StartBot] when another process has
// already dispatched a bot for the same meeting. The caller should reconcile
// via [Client.FindBot] and adopt the existing bot instead.
var ErrAlreadyStarted = errors.New("bot: already started for this meeting")

// Dispatch is the gateway's answer to a start or find request.
type Dispatch struct {
	// BotID identifies the live bot for all subsequent calls.
	BotID string

	// MeetingURL echoes the meeting the bot joined.
	MeetingURL string

	// State is the lifecycle state reported at dispatch time. A freshly
	// started bot reports "starting"; a reconciled one may be anywhere in
	// its lifecycle.
	State session.BotState
}

// StopResult is the gateway's answer to a stop request.
type StopResult struct {
	// State is the bot state after the stop call. "stopping" means the bot
	// is still flushing its recording and the final transcript will arrive
	// through status monitoring.
	State session.BotState

	// Transcript is the final bulk transcript, when the gateway returned it
	// synchronously. Empty otherwise.
	Transcript string

	// Warning carries a non-fatal problem reported alongside a partial
	// transcript. The session still completes.
	Warning string
}

// EventStream is a live push subscription to one bot's status events.
type EventStream interface {
	// Next blocks until the next status event arrives, the stream fails, or
	// ctx is cancelled.
	Next(ctx context.Context) (session.StatusUpdate, error)

	// Close tears the subscription down. Safe to call multiple times.
	Close() error
}

// Client is the bot gateway operations the orchestrator depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// StartBot dispatches a new bot into meetingURL. Returns
	// [ErrAlreadyStarted] when a bot for this meeting already exists.
	StartBot(ctx context.Context, meetingURL, sessionID string) (Dispatch, error)

	// FindBot looks up the bot another process already dispatched for
	// meetingURL so this session can adopt it.
	FindBot(ctx context.Context, meetingURL, sessionID string) (Dispatch, error)

	// StopBot asks the gateway to stop botID and return the final transcript
	// if it is already available.
	StopBot(ctx context.Context, botID, sessionID string) (StopResult, error)

	// BotStatus polls the current status of botID.
	BotStatus(ctx context.Context, botID string) (session.StatusUpdate, error)

	// SubscribeBotEvents opens the push subscription for botID.
	SubscribeBotEvents(ctx context.Context, botID string) (EventStream, error)
}
