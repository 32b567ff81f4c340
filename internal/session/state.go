// Package session implements the recording-session aggregate: the bot
// lifecycle state machine, wall-clock pause bookkeeping for local capture,
// and the single transition function through which every status update and
// transcript fragment is applied.
//
// Status updates may arrive concurrently from a push subscription and a poll
// loop. Both feed the same [Recording.ApplyStatus] function, which enforces
// monotonic state ordering, absorbing terminal states, and at-most-once
// folding of the bulk transcript — so the two channels are commutative by
// construction.
package session

import "time"

// BotState is the lifecycle state of a remote meeting bot as reported by the
// bot gateway.
type BotState string

const (
	BotStateStarting  BotState = "starting"
	BotStateJoining   BotState = "joining"
	BotStateWaiting   BotState = "waiting"
	BotStateInCall    BotState = "in_call"
	BotStateRecording BotState = "recording"
	BotStateStopping  BotState = "stopping"
	BotStateCompleted BotState = "completed"

	// BotStateFailed and BotStateEnded are absorbing failure states reached
	// from any point in the lifecycle.
	BotStateFailed BotState = "failed"
	BotStateEnded  BotState = "ended"
)

// botStateRank orders the progressive lifecycle states. Updates that would
// regress the rank are discarded; terminal states are reachable from any rank.
var botStateRank = map[BotState]int{
	BotStateStarting:  1,
	BotStateJoining:   2,
	BotStateWaiting:   3,
	BotStateInCall:    4,
	BotStateRecording: 5,
	BotStateStopping:  6,
	BotStateCompleted: 7,
}

// IsValid reports whether s is a recognised bot state.
func (s BotState) IsValid() bool {
	switch s {
	case BotStateStarting, BotStateJoining, BotStateWaiting, BotStateInCall,
		BotStateRecording, BotStateStopping, BotStateCompleted,
		BotStateFailed, BotStateEnded:
		return true
	}
	return false
}

// IsTerminal reports whether s is one of the absorbing end states. No
// further transitions are applied once a terminal state is reached.
func (s BotState) IsTerminal() bool {
	return s == BotStateCompleted || s == BotStateFailed || s == BotStateEnded
}

// rank returns the lifecycle rank of s, or 0 for terminal failure states and
// unknown states.
func (s BotState) rank() int {
	return botStateRank[s]
}

// Status is the persisted state of a recording session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Mode selects how a session captures audio: on-device recognition or a
// dispatched meeting bot.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeOnline Mode = "online"
)

// IsValid reports whether m is a recognised recording mode.
func (m Mode) IsValid() bool {
	return m == ModeLocal || m == ModeOnline
}

// StatusUpdate is one observation of a bot's state, delivered by either the
// push or the poll path. It is an ephemeral signal: only its effects (a state
// transition, a transcript fold) are ever persisted.
type StatusUpdate struct {
	// State is the reported bot lifecycle state.
	State BotState

	// Transcript carries the bulk transcript on a terminal success, empty
	// otherwise.
	Transcript string

	// ObservedAt is when the update was received.
	ObservedAt time.Time

	// Stale marks a synthetic update fabricated by the staleness watchdog
	// rather than observed from the gateway.
	Stale bool
}
