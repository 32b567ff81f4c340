package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/professor2004h/meetscribe/internal/session"
)

// Orchestrator drives one remote bot on behalf of one recording session:
// dispatch (with duplicate-dispatch reconciliation), status monitoring over
// the merged push/poll channel, and stop with its partial-result handling.
//
// The orchestrator never mutates session state directly; every observation
// flows through [session.Recording.ApplyStatus], which owns ordering and
// idempotence. Safe for concurrent use.
type Orchestrator struct {
	client          Client
	rec             *session.Recording
	tun             Tunables
	onUpdate        func(session.StatusUpdate)
	onPushAbandoned func()

	mu     sync.Mutex
	ch     *StatusChannel
	cancel context.CancelFunc
	done   chan struct{}
}

// OrchestratorConfig configures an [Orchestrator].
type OrchestratorConfig struct {
	// Client is the bot gateway client. Required.
	Client Client

	// Recording is the session aggregate the orchestrator drives. Required.
	Recording *session.Recording

	// Tunables overrides the status-propagation timing knobs.
	Tunables Tunables

	// OnUpdate is called after every status update that changed session
	// state, for mirroring to live listeners. May be nil.
	OnUpdate func(session.StatusUpdate)

	// OnPushAbandoned is forwarded to the status channel; see
	// [StatusChannelConfig.OnPushAbandoned]. May be nil.
	OnPushAbandoned func()
}

// NewOrchestrator creates an Orchestrator. Call [Orchestrator.Start] or
// [Orchestrator.Resume] to attach it to a bot.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		client:          cfg.Client,
		rec:             cfg.Recording,
		tun:             cfg.Tunables.withDefaults(),
		onUpdate:        cfg.OnUpdate,
		onPushAbandoned: cfg.OnPushAbandoned,
	}
}

// Start dispatches a bot into meetingURL and begins status monitoring.
//
// When the gateway reports the bot as already started (another process beat
// this one to the dispatch), the existing bot is looked up and adopted
// instead; adopted reports which path was taken, and from there on the two
// are indistinguishable.
func (o *Orchestrator) Start(ctx context.Context, meetingURL string) (adopted bool, err error) {
	d, err := o.client.StartBot(ctx, meetingURL, o.rec.MeetingID())
	if errors.Is(err, ErrAlreadyStarted) {
		adopted = true
		slog.Info("bot already dispatched for meeting, adopting existing bot",
			"meeting_id", o.rec.MeetingID())
		d, err = o.client.FindBot(ctx, meetingURL, o.rec.MeetingID())
	}
	if err != nil {
		return false, fmt.Errorf("bot: dispatch for meeting %q: %w", o.rec.MeetingID(), err)
	}

	url := d.MeetingURL
	if url == "" {
		url = meetingURL
	}
	if err := o.rec.AdoptBot(ctx, d.BotID, url); err != nil {
		return adopted, fmt.Errorf("bot: adopt %q: %w", d.BotID, err)
	}

	state := d.State
	if !state.IsValid() {
		state = session.BotStateStarting
	}
	if _, err := o.rec.ApplyStatus(ctx, session.StatusUpdate{
		State:      state,
		ObservedAt: time.Now(),
	}); err != nil {
		return adopted, fmt.Errorf("bot: apply dispatch state: %w", err)
	}

	o.monitor(d.BotID)
	return adopted, nil
}

// Resume re-attaches monitoring to the bot recorded in the session, without
// dispatching. Used on reload when a persisted session is still active and
// carries a bot reference.
func (o *Orchestrator) Resume(ctx context.Context) error {
	botID := o.rec.BotID()
	if botID == "" {
		return errors.New("bot: no bot attached to session, nothing to resume")
	}
	slog.Info("resuming bot monitoring after reload",
		"meeting_id", o.rec.MeetingID(), "bot_id", botID)
	o.monitor(botID)
	return nil
}

// Stop asks the gateway to stop the bot and resolves the session from the
// result:
//
//   - transcript returned synchronously: fold it, session completes
//   - bot still "stopping": stay non-terminal, monitoring picks up the final
//     transcript
//   - clean stop without transcript: session completes with nothing to add
//   - partial transcript with a non-fatal problem: fold it, complete, and
//     return the warning for the caller to surface
//   - outright failure: complete the session locally anyway and return the
//     error — the UI must never hang in a perpetual "recording" state
//
// The returned warning is empty unless the gateway reported a partial result.
func (o *Orchestrator) Stop(ctx context.Context) (warning string, err error) {
	botID := o.rec.BotID()
	if botID == "" {
		// Already detached (terminal state raced us). Nothing to do.
		o.teardown()
		return "", nil
	}

	res, err := o.client.StopBot(ctx, botID, o.rec.MeetingID())
	if err != nil {
		o.teardown()
		if _, applyErr := o.rec.ApplyStatus(ctx, session.StatusUpdate{
			State:      session.BotStateCompleted,
			ObservedAt: time.Now(),
		}); applyErr != nil {
			slog.Error("failed to persist forced completion",
				"meeting_id", o.rec.MeetingID(), "error", applyErr)
		}
		return "", fmt.Errorf("bot: stop %q failed, session completed locally: %w", botID, err)
	}

	if res.State == session.BotStateStopping {
		// The bot is still flushing; the status channel delivers the final
		// transcript when it arrives.
		if _, err := o.rec.ApplyStatus(ctx, session.StatusUpdate{
			State:      session.BotStateStopping,
			ObservedAt: time.Now(),
		}); err != nil {
			return "", fmt.Errorf("bot: apply stopping state: %w", err)
		}
		return "", nil
	}

	o.teardown()
	state := res.State
	if !state.IsTerminal() {
		state = session.BotStateCompleted
	}
	if _, err := o.rec.ApplyStatus(ctx, session.StatusUpdate{
		State:      state,
		Transcript: res.Transcript,
		ObservedAt: time.Now(),
	}); err != nil {
		return res.Warning, fmt.Errorf("bot: apply stop result: %w", err)
	}
	if res.Warning != "" {
		slog.Warn("bot stopped with partial result",
			"meeting_id", o.rec.MeetingID(), "bot_id", botID, "warning", res.Warning)
	}
	return res.Warning, nil
}

// Done returns a channel closed when status monitoring has ended, either via
// a terminal state or via [Orchestrator.Close]. Returns nil when monitoring
// was never started.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Close tears monitoring down without touching session state. Safe to call
// multiple times.
func (o *Orchestrator) Close() {
	o.teardown()
}

// monitor opens the status channel for botID and starts the consumer that
// feeds the session state machine. Any previous channel is torn down first;
// at most one bot is monitored at a time.
func (o *Orchestrator) monitor(botID string) {
	o.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewStatusChannel(StatusChannelConfig{
		Client:          o.client,
		BotID:           botID,
		CurrentState:    o.rec.BotState,
		Tunables:        o.tun,
		OnPushAbandoned: o.onPushAbandoned,
	})
	ch.Open()
	done := make(chan struct{})

	o.mu.Lock()
	o.ch = ch
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	go o.consume(ctx, ch, done)
}

// consume applies status updates to the session until a terminal state is
// reached or monitoring is cancelled.
func (o *Orchestrator) consume(ctx context.Context, ch *StatusChannel, done chan struct{}) {
	defer close(done)

	for {
		var u session.StatusUpdate
		select {
		case <-ctx.Done():
			return
		case u = <-ch.Updates():
		}

		changed, err := o.rec.ApplyStatus(ctx, u)
		if err != nil {
			slog.Error("failed to apply bot status update",
				"meeting_id", o.rec.MeetingID(),
				"state", u.State,
				"error", err)
		}
		if changed {
			slog.Debug("bot status applied",
				"meeting_id", o.rec.MeetingID(),
				"state", u.State,
				"stale", u.Stale)
			if o.onUpdate != nil {
				o.onUpdate(u)
			}
		}

		if u.State.IsTerminal() {
			// Cancel the surviving producers and drain them.
			o.mu.Lock()
			if o.cancel != nil {
				o.cancel()
				o.cancel = nil
			}
			o.mu.Unlock()
			ch.Close()
			return
		}
	}
}

// teardown cancels and drains the active status channel, then waits for the
// consumer to exit.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	ch := o.ch
	cancel := o.cancel
	done := o.done
	o.ch = nil
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	if done != nil {
		<-done
	}
}
