package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/professor2004h/meetscribe/internal/transcript"
	"github.com/professor2004h/meetscribe/pkg/store"
)

// ErrSessionFinished is returned by mutating operations once the session has
// reached a terminal status. Finished sessions are immutable; a new session
// must be started to append to the same transcript.
var ErrSessionFinished = errors.New("session: recording session already finished")

// Config holds the dependencies and identity for a [Recording].
type Config struct {
	// MeetingID is the externally owned identity of the meeting record.
	MeetingID string

	// Mode selects local capture or a remote bot.
	Mode Mode

	// Store persists the session record. Required.
	Store store.SessionStore

	// Existing seeds the transcript buffer and bot metadata from a
	// previously persisted record. Zero value for a fresh session.
	Existing store.SessionRecord

	// Continue marks this session as a "continue recording" restart of a
	// completed session; a separator line is inserted before new fragments.
	Continue bool

	// Now is the clock used for pause bookkeeping and separator timestamps.
	// Defaults to [time.Now].
	Now func() time.Time
}

// Recording is the aggregate root of one recording session. It owns the
// canonical transcript (mutated only through the embedded assembler), the
// session status, and — in online mode — the bot lifecycle state.
//
// All exported methods are safe for concurrent use. [Recording.ApplyStatus]
// is the single transition function for bot state; callers on the push and
// poll paths may invoke it in any order with the same outcome.
type Recording struct {
	meetingID string
	mode      Mode
	st        store.SessionStore
	now       func() time.Time
	cont      bool

	mu         sync.Mutex
	status     Status
	asm        *transcript.Assembler
	botID      string
	meetingURL string
	botState   BotState
	bulkFolded bool

	startedAt      time.Time
	pausedAccum    time.Duration
	pauseStartedAt time.Time
}

// New creates a Recording from cfg. Call [Recording.Begin] before applying
// fragments or status updates.
func New(cfg Config) *Recording {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recording{
		meetingID:  cfg.MeetingID,
		mode:       cfg.Mode,
		st:         cfg.Store,
		now:        now,
		cont:       cfg.Continue,
		status:     StatusActive,
		asm:        transcript.NewAssembler(cfg.Existing.Transcript),
		botID:      cfg.Existing.Metadata.BotID,
		meetingURL: cfg.Existing.Metadata.MeetingURL,
	}
}

// Begin marks the session active, records the start time, inserts the
// continuation separator when restarting a completed session, and persists
// the initial record so a reload can find it.
func (r *Recording) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.startedAt = r.now()
	if r.cont {
		r.asm.StartContinuation(r.startedAt)
	}
	if err := r.persistLocked(ctx); err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	return nil
}

// MeetingID returns the meeting identity this session records against.
func (r *Recording) MeetingID() string { return r.meetingID }

// Mode returns the recording mode.
func (r *Recording) Mode() Mode { return r.mode }

// Status returns the current session status.
func (r *Recording) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BotState returns the last applied bot lifecycle state. Zero value until
// the first status update in online mode.
func (r *Recording) BotState() BotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.botState
}

// BotID returns the live bot reference, or "" when no bot is attached.
func (r *Recording) BotID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.botID
}

// Transcript returns the canonical transcript accumulated so far.
func (r *Recording) Transcript() string {
	return r.asm.Text()
}

// Snapshot returns the session in its persisted form.
func (r *Recording) Snapshot() store.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked()
}

// AdoptBot attaches a dispatched (or reconciled) bot to the session and
// persists the reference so a page reload can resume monitoring. At most one
// bot is attached at a time; adopting replaces any previous reference.
func (r *Recording) AdoptBot(ctx context.Context, botID, meetingURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive {
		return ErrSessionFinished
	}
	r.botID = botID
	if meetingURL != "" {
		r.meetingURL = meetingURL
	}
	if err := r.persistLocked(ctx); err != nil {
		return fmt.Errorf("session: adopt bot %q: %w", botID, err)
	}
	return nil
}

// ApplyStatus applies one bot status observation to the state machine.
// It reports whether the update changed state.
//
// Rules, in order:
//
//   - Updates after a terminal transition are discarded, not queued.
//   - Non-terminal updates that would regress the lifecycle rank (an
//     out-of-order poll result racing a push message) are discarded.
//   - A terminal update folds its transcript at most once, clears the bot
//     reference, moves the session status to completed or failed, and
//     persists the record. Repeated terminal deliveries are no-ops.
func (r *Recording) ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive || r.botState.IsTerminal() {
		return false, nil
	}

	if !u.State.IsTerminal() {
		if u.State.rank() <= r.botState.rank() {
			return false, nil
		}
		r.botState = u.State
		return true, nil
	}

	if u.Transcript != "" && !r.bulkFolded {
		r.asm.Fold(transcript.Fragment{
			Source:     transcript.SourceRemoteBulk,
			Text:       u.Transcript,
			ReceivedAt: u.ObservedAt,
		})
		r.bulkFolded = true
	}

	r.botState = u.State
	r.botID = ""
	if u.State == BotStateFailed {
		r.status = StatusFailed
	} else {
		r.status = StatusCompleted
	}

	if err := r.persistLocked(ctx); err != nil {
		return true, fmt.Errorf("session: persist terminal state: %w", err)
	}
	return true, nil
}

// ApplyFragment folds a live transcript fragment into the buffer. Fragments
// arriving after the session finished are discarded.
func (r *Recording) ApplyFragment(f transcript.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive {
		slog.Debug("fragment discarded after session end",
			"meeting_id", r.meetingID, "source", f.Source)
		return
	}
	r.asm.Fold(f)
}

// Pause suspends elapsed-time accounting. Only meaningful in local mode;
// calling Pause while already paused is a no-op.
func (r *Recording) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeLocal {
		return fmt.Errorf("session: pause is only supported in local mode")
	}
	if r.status != StatusActive {
		return ErrSessionFinished
	}
	if !r.pauseStartedAt.IsZero() {
		return nil
	}
	r.pauseStartedAt = r.now()
	return nil
}

// Resume ends a pause, adding the paused interval to the accumulated total.
// Calling Resume while not paused is a no-op.
func (r *Recording) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeLocal {
		return fmt.Errorf("session: resume is only supported in local mode")
	}
	if r.status != StatusActive {
		return ErrSessionFinished
	}
	if r.pauseStartedAt.IsZero() {
		return nil
	}
	r.pausedAccum += r.now().Sub(r.pauseStartedAt)
	r.pauseStartedAt = time.Time{}
	return nil
}

// Paused reports whether the session is currently paused.
func (r *Recording) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.pauseStartedAt.IsZero()
}

// Elapsed returns the recording time so far, excluding all paused intervals.
func (r *Recording) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startedAt.IsZero() {
		return 0
	}
	now := r.now()
	elapsed := now.Sub(r.startedAt) - r.pausedAccum
	if !r.pauseStartedAt.IsZero() {
		elapsed -= now.Sub(r.pauseStartedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// Complete moves the session to the completed status, clears any bot
// reference, and persists the record. Safe to call once; subsequent calls
// return [ErrSessionFinished].
func (r *Recording) Complete(ctx context.Context) error {
	return r.finish(ctx, StatusCompleted)
}

// Fail moves the session to the failed status, clears any bot reference, and
// persists the record.
func (r *Recording) Fail(ctx context.Context) error {
	return r.finish(ctx, StatusFailed)
}

func (r *Recording) finish(ctx context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive {
		return ErrSessionFinished
	}
	if !r.pauseStartedAt.IsZero() {
		r.pausedAccum += r.now().Sub(r.pauseStartedAt)
		r.pauseStartedAt = time.Time{}
	}
	r.status = s
	r.botID = ""
	if err := r.persistLocked(ctx); err != nil {
		return fmt.Errorf("session: persist %s: %w", s, err)
	}
	return nil
}

// Persist writes the current session snapshot. Used by callers that need an
// explicit checkpoint outside a state transition (e.g. after folding a batch
// of live fragments on stop).
func (r *Recording) Persist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked(ctx)
}

// recordLocked builds the persisted form. Must be called with r.mu held.
func (r *Recording) recordLocked() store.SessionRecord {
	return store.SessionRecord{
		MeetingID:     r.meetingID,
		Transcript:    r.asm.Text(),
		Status:        string(r.status),
		RecordingMode: string(r.mode),
		Metadata: store.Metadata{
			BotID:      r.botID,
			MeetingURL: r.meetingURL,
		},
	}
}

// persistLocked saves the current snapshot. Must be called with r.mu held.
func (r *Recording) persistLocked(ctx context.Context) error {
	if r.st == nil {
		return nil
	}
	return r.st.Save(ctx, r.recordLocked())
}
