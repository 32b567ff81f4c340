// Package store defines the persistence collaborator consumed by the
// recording-session core: session records holding the canonical transcript,
// the session status, and bot-reconnection metadata.
//
// Implementations must honour the append-only transcript rule: a Save whose
// transcript is shorter than the stored one must keep the stored text. The
// session aggregate only ever appends, but a page reload racing a monitoring
// callback may submit a stale snapshot; the merge rule is "last state wins,
// transcript always appends".
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [SessionStore.Load] when no record exists for
// the requested meeting.
var ErrNotFound = errors.New("store: session record not found")

// Session status values as persisted.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Recording mode values as persisted.
const (
	ModeLocal  = "local"
	ModeOnline = "online"
)

// Metadata holds bot-reconnection state scoped to a meeting. BotID is
// cleared whenever the session reaches a terminal state so that reload logic
// cannot resurrect a dead bot reference.
type Metadata struct {
	BotID      string `json:"bot_id,omitempty"`
	MeetingURL string `json:"meeting_url,omitempty"`
}

// SessionRecord is the persisted form of a recording session.
type SessionRecord struct {
	// MeetingID is the externally owned identity of the meeting record.
	MeetingID string

	// Transcript is the canonical, newline-segmented transcript text.
	Transcript string

	// Status is one of [StatusActive], [StatusCompleted], [StatusFailed].
	Status string

	// RecordingMode is [ModeLocal] or [ModeOnline].
	RecordingMode string

	// Metadata carries the bot reference used for reconnection after reload.
	Metadata Metadata

	// UpdatedAt is set by the store on every Save.
	UpdatedAt time.Time
}

// SessionStore persists and reloads session records. Implementations are
// safe for concurrent use.
type SessionStore interface {
	// Save upserts the record for rec.MeetingID, applying the append-only
	// transcript merge rule.
	Save(ctx context.Context, rec SessionRecord) error

	// Load returns the record for meetingID, or [ErrNotFound].
	Load(ctx context.Context, meetingID string) (SessionRecord, error)
}
