package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/professor2004h/meetscribe/internal/bot"
	"github.com/professor2004h/meetscribe/internal/capture"
	"github.com/professor2004h/meetscribe/internal/mirror"
	"github.com/professor2004h/meetscribe/internal/observe"
	"github.com/professor2004h/meetscribe/internal/session"
	"github.com/professor2004h/meetscribe/internal/transcript"
	"github.com/professor2004h/meetscribe/pkg/store"
)

// Errors surfaced to the API layer. The handlers map these to HTTP status
// codes.
var (
	// ErrAlreadyRecording is returned by Start when a session is already
	// running for the meeting.
	ErrAlreadyRecording = errors.New("app: meeting is already being recorded")

	// ErrNotRecording is returned by operations that require a running
	// session when none exists for the meeting.
	ErrNotRecording = errors.New("app: no active recording for meeting")

	// ErrBotUnavailable is returned by Start in online mode when no bot
	// gateway client is configured.
	ErrBotUnavailable = errors.New("app: online recording requires a bot gateway")
)

// SessionView is the read model returned by [SessionManager.Get]: the
// persisted record enriched with live state when a session is running.
type SessionView struct {
	Record    store.SessionRecord
	Live      bool
	BotState  session.BotState
	Paused    bool
	ElapsedMS int64
}

// SessionManager owns the running recording sessions: at most one active
// controller per meeting. It performs the reload reconnection (an active
// persisted record with a bot reference resumes monitoring without a second
// dispatch) and the continue-recording restart of completed records.
//
// Safe for concurrent use.
type SessionManager struct {
	store      store.SessionStore
	client     bot.Client
	hub        *mirror.Hub
	metrics    *observe.Metrics
	tunables   bot.Tunables
	recognizer capture.Recognizer
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*activeSession
}

// activeSession bundles the aggregate with its mode-specific controller.
type activeSession struct {
	rec  *session.Recording
	orch *bot.Orchestrator
	cap  *capture.Controller
}

// SessionManagerConfig configures a [SessionManager].
type SessionManagerConfig struct {
	// Store persists session records. Required.
	Store store.SessionStore

	// Client is the bot gateway client. Nil disables online recording.
	Client bot.Client

	// Hub mirrors live events to WebSocket listeners. Required.
	Hub *mirror.Hub

	// Metrics records counters and gauges. Nil falls back to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Tunables overrides status-propagation timing.
	Tunables bot.Tunables

	// Recognizer enables server-side speech capture for local sessions.
	// Nil means local fragments arrive only through the fragments endpoint.
	Recognizer capture.Recognizer

	// Now is the clock, injectable for tests. Defaults to [time.Now].
	Now func() time.Time
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		store:      cfg.Store,
		client:     cfg.Client,
		hub:        cfg.Hub,
		metrics:    m,
		tunables:   cfg.Tunables,
		recognizer: cfg.Recognizer,
		now:        now,
		active:     make(map[string]*activeSession),
	}
}

// Start begins a recording session for meetingID.
//
// The persisted record decides how:
//
//   - no record, or a failed one: fresh session
//   - active record with a bot reference: reload reconnection, resume
//     monitoring the existing bot without a second dispatch
//   - completed record: continue-recording restart, separator inserted
//     before new fragments
//
// In online mode a dispatch failure fails the session; the record never
// stays active without anyone driving it.
func (m *SessionManager) Start(ctx context.Context, meetingID string, mode session.Mode, meetingURL string) error {
	if !mode.IsValid() {
		return fmt.Errorf("app: invalid recording mode %q", mode)
	}
	if mode == session.ModeOnline && m.client == nil {
		return ErrBotUnavailable
	}

	m.mu.Lock()
	if _, ok := m.active[meetingID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}
	// Reserve the slot before the store round-trip so a concurrent Start
	// for the same meeting fails fast.
	m.active[meetingID] = nil
	m.mu.Unlock()

	as, err := m.start(ctx, meetingID, mode, meetingURL)

	m.mu.Lock()
	if err != nil {
		delete(m.active, meetingID)
	} else {
		m.active[meetingID] = as
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.metrics.ActiveSessions.Add(ctx, 1)
	return nil
}

// start performs the load/dispatch/capture work of Start, outside the map
// lock.
func (m *SessionManager) start(ctx context.Context, meetingID string, mode session.Mode, meetingURL string) (*activeSession, error) {
	existing, err := m.store.Load(ctx, meetingID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = store.SessionRecord{}
	case err != nil:
		return nil, fmt.Errorf("app: load session record: %w", err)
	}

	resume := existing.Status == store.StatusActive &&
		existing.Metadata.BotID != "" &&
		mode == session.ModeOnline
	cont := existing.Status == store.StatusCompleted

	rec := session.New(session.Config{
		MeetingID: meetingID,
		Mode:      mode,
		Store:     m.store,
		Existing:  existing,
		Continue:  cont,
		Now:       m.now,
	})
	if err := rec.Begin(ctx); err != nil {
		return nil, err
	}

	as := &activeSession{rec: rec}

	switch mode {
	case session.ModeOnline:
		orch := bot.NewOrchestrator(bot.OrchestratorConfig{
			Client:    m.client,
			Recording: rec,
			Tunables:  m.tunables,
			OnUpdate: func(u session.StatusUpdate) {
				m.mirrorStatus(meetingID, u)
			},
			OnPushAbandoned: func() {
				m.metrics.PushFallbacks.Add(context.Background(), 1)
			},
		})
		as.orch = orch

		var adopted bool
		if resume {
			slog.Info("reconnecting to persisted session",
				"meeting_id", meetingID, "bot_id", existing.Metadata.BotID)
			err = orch.Resume(ctx)
		} else {
			adopted, err = orch.Start(ctx, meetingURL)
		}
		if err != nil {
			m.metrics.RecordDispatch(ctx, "failed")
			if failErr := rec.Fail(ctx); failErr != nil && !errors.Is(failErr, session.ErrSessionFinished) {
				slog.Error("failed to persist failed session",
					"meeting_id", meetingID, "error", failErr)
			}
			return nil, err
		}
		switch {
		case resume:
			m.metrics.RecordDispatch(ctx, "resumed")
		case adopted:
			m.metrics.RecordDispatch(ctx, "adopted")
		default:
			m.metrics.RecordDispatch(ctx, "started")
		}
		m.metrics.ActiveBots.Add(ctx, 1)
		go m.reap(meetingID, orch.Done())

	case session.ModeLocal:
		if m.recognizer != nil {
			ctl := capture.NewController(capture.ControllerConfig{
				Recording:  rec,
				Recognizer: m.recognizer,
				OnInterim: func(text string) {
					m.hub.Broadcast(mirror.Event{
						Type: "interim", MeetingID: meetingID, Text: text,
					})
				},
				OnFinal: func(text string) {
					m.metrics.RecordFragment(context.Background(), string(transcript.SourceLocalFinal))
					m.hub.Broadcast(mirror.Event{
						Type: "final", MeetingID: meetingID, Text: text,
					})
				},
				OnFatal: func(err error) {
					m.failLocal(meetingID, err)
				},
			})
			if err := ctl.Start(ctx); err != nil {
				if failErr := rec.Fail(ctx); failErr != nil && !errors.Is(failErr, session.ErrSessionFinished) {
					slog.Error("failed to persist failed session",
						"meeting_id", meetingID, "error", failErr)
				}
				return nil, err
			}
			as.cap = ctl
		}
	}

	slog.Info("recording session started",
		"meeting_id", meetingID, "mode", mode, "resumed", resume, "continued", cont)
	return as, nil
}

// Pause suspends a local session's clock and capture. Online sessions reject
// pause; the API layer maps that error to 409.
func (m *SessionManager) Pause(meetingID string) error {
	as, err := m.lookup(meetingID)
	if err != nil {
		return err
	}
	if as.cap != nil {
		return as.cap.Pause()
	}
	return as.rec.Pause()
}

// Resume ends a local session's pause.
func (m *SessionManager) Resume(ctx context.Context, meetingID string) error {
	as, err := m.lookup(meetingID)
	if err != nil {
		return err
	}
	if as.cap != nil {
		return as.cap.Resume(ctx)
	}
	return as.rec.Resume()
}

// Stop ends the session. For online sessions the returned warning carries
// the gateway's partial-result note, empty otherwise. A session whose bot is
// still flushing ("stopping") stays active; monitoring delivers the final
// transcript later and the reaper cleans up.
func (m *SessionManager) Stop(ctx context.Context, meetingID string) (warning string, err error) {
	as, lookupErr := m.lookup(meetingID)
	if lookupErr != nil {
		return "", lookupErr
	}

	if as.orch != nil {
		warning, err = as.orch.Stop(ctx)
		if as.rec.Status() == session.StatusActive {
			// Bot still stopping; keep the session and its monitor alive.
			return warning, err
		}
		if m.remove(ctx, meetingID, as) {
			m.finishSession(ctx, as.rec)
		}
		return warning, err
	}

	if as.cap != nil {
		as.cap.Stop()
	}
	if completeErr := as.rec.Complete(ctx); completeErr != nil && !errors.Is(completeErr, session.ErrSessionFinished) {
		return "", completeErr
	}
	if m.remove(ctx, meetingID, as) {
		m.finishSession(ctx, as.rec)
	}
	return "", nil
}

// Fragment folds one local-final line into the session transcript and
// mirrors it to live listeners.
func (m *SessionManager) Fragment(meetingID, text string) error {
	as, err := m.lookup(meetingID)
	if err != nil {
		return err
	}
	as.rec.ApplyFragment(transcript.Fragment{
		Source:     transcript.SourceLocalFinal,
		Text:       text,
		ReceivedAt: m.now(),
	})
	m.metrics.RecordFragment(context.Background(), string(transcript.SourceLocalFinal))
	m.hub.Broadcast(mirror.Event{Type: "final", MeetingID: meetingID, Text: text})
	return nil
}

// Get returns the session view for meetingID: live state when a session is
// running, otherwise the persisted record.
func (m *SessionManager) Get(ctx context.Context, meetingID string) (SessionView, error) {
	m.mu.Lock()
	as := m.active[meetingID]
	m.mu.Unlock()

	if as != nil {
		return SessionView{
			Record:    as.rec.Snapshot(),
			Live:      true,
			BotState:  as.rec.BotState(),
			Paused:    as.rec.Paused(),
			ElapsedMS: as.rec.Elapsed().Milliseconds(),
		}, nil
	}

	recd, err := m.store.Load(ctx, meetingID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Record: recd}, nil
}

// Close tears down every running session's controllers without completing
// the sessions: active records stay active so a restart can reconnect.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := make([]*activeSession, 0, len(m.active))
	for _, as := range m.active {
		if as != nil {
			sessions = append(sessions, as)
		}
	}
	m.active = make(map[string]*activeSession)
	m.mu.Unlock()

	for _, as := range sessions {
		if as.orch != nil {
			as.orch.Close()
		}
		if as.cap != nil {
			as.cap.Stop()
		}
		// Checkpoint the transcript so no folded fragment is lost.
		if err := as.rec.Persist(context.Background()); err != nil {
			slog.Warn("failed to checkpoint session on shutdown",
				"meeting_id", as.rec.MeetingID(), "error", err)
		}
	}
}

// lookup returns the running session for meetingID or [ErrNotRecording].
func (m *SessionManager) lookup(meetingID string) (*activeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as := m.active[meetingID]
	if as == nil {
		return nil, ErrNotRecording
	}
	return as, nil
}

// remove drops the session from the active map and reports whether this call
// did the removal. Stop and the reaper can race each other here; only the
// winner may run the terminal cleanup side effects (gauge decrements,
// duration record), so losers get false and do nothing.
func (m *SessionManager) remove(ctx context.Context, meetingID string, as *activeSession) bool {
	m.mu.Lock()
	removed := m.active[meetingID] == as
	if removed {
		delete(m.active, meetingID)
	}
	m.mu.Unlock()

	if !removed {
		return false
	}
	m.metrics.ActiveSessions.Add(ctx, -1)
	if as.orch != nil {
		m.metrics.ActiveBots.Add(ctx, -1)
	}
	return true
}

// finishSession records the duration of a finished session.
func (m *SessionManager) finishSession(ctx context.Context, rec *session.Recording) {
	m.metrics.SessionDuration.Record(ctx, rec.Elapsed().Seconds(),
		metric.WithAttributes(observe.Attr("mode", string(rec.Mode()))))
}

// mirrorStatus publishes one applied status update to metrics and listeners.
func (m *SessionManager) mirrorStatus(meetingID string, u session.StatusUpdate) {
	ctx := context.Background()
	path := "channel"
	if u.Stale {
		path = "watchdog"
		m.metrics.WatchdogTimeouts.Add(ctx, 1)
	}
	m.metrics.RecordStatusUpdate(ctx, path, string(u.State))
	m.hub.Broadcast(mirror.Event{
		Type:      "status",
		MeetingID: meetingID,
		State:     string(u.State),
	})
}

// reap waits for an online session's monitoring to end and, when the session
// reached a terminal state on its own (push-delivered completion, watchdog),
// removes it from the active map.
func (m *SessionManager) reap(meetingID string, done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done

	m.mu.Lock()
	as := m.active[meetingID]
	m.mu.Unlock()
	if as == nil || as.rec.Status() == session.StatusActive {
		// Stopped through Stop, restarted monitoring, or still running.
		return
	}

	ctx := context.Background()
	if !m.remove(ctx, meetingID, as) {
		// Stop beat us to the cleanup.
		return
	}
	m.finishSession(ctx, as.rec)
	slog.Info("recording session finished",
		"meeting_id", meetingID, "status", as.rec.Status())
}

// failLocal fails a local session after a fatal recognizer error.
func (m *SessionManager) failLocal(meetingID string, cause error) {
	ctx := context.Background()

	m.mu.Lock()
	as := m.active[meetingID]
	m.mu.Unlock()
	if as == nil {
		return
	}

	slog.Error("local capture failed, failing session",
		"meeting_id", meetingID, "error", cause)
	if err := as.rec.Fail(ctx); err != nil && !errors.Is(err, session.ErrSessionFinished) {
		slog.Error("failed to persist failed session",
			"meeting_id", meetingID, "error", err)
	}
	if !m.remove(ctx, meetingID, as) {
		return
	}
	m.hub.Broadcast(mirror.Event{
		Type: "status", MeetingID: meetingID, State: string(session.BotStateFailed),
	})
}
