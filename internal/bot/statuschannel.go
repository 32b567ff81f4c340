package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/professor2004h/meetscribe/internal/session"
)

// Default status-propagation parameters.
const (
	defaultPushBackoff        = 1 * time.Second
	defaultPushMaxBackoff     = 5 * time.Second
	defaultPushMaxRetries     = 5
	defaultPollMaxBackoff     = 10 * time.Second
	defaultStalenessThreshold = 30 * time.Second
)

// Tunables holds the timing knobs of a [StatusChannel]. Zero-value fields are
// replaced with the defaults above.
type Tunables struct {
	// PushBackoff is the initial delay before re-opening a failed push
	// subscription. Doubles each attempt up to PushMaxBackoff.
	PushBackoff time.Duration

	// PushMaxBackoff is the upper limit on the push reconnect delay.
	PushMaxBackoff time.Duration

	// PushMaxRetries is how many consecutive subscription failures are
	// tolerated before the push path is abandoned for this session and
	// polling carries on alone.
	PushMaxRetries int

	// PollMaxBackoff caps the exponential backoff applied after poll
	// transport errors.
	PollMaxBackoff time.Duration

	// StalenessThreshold is how long the channel waits without any observed
	// status before assuming the bot died silently and emitting a synthetic
	// completed update.
	StalenessThreshold time.Duration
}

func (t Tunables) withDefaults() Tunables {
	if t.PushBackoff <= 0 {
		t.PushBackoff = defaultPushBackoff
	}
	if t.PushMaxBackoff <= 0 {
		t.PushMaxBackoff = defaultPushMaxBackoff
	}
	if t.PushMaxRetries <= 0 {
		t.PushMaxRetries = defaultPushMaxRetries
	}
	if t.PollMaxBackoff <= 0 {
		t.PollMaxBackoff = defaultPollMaxBackoff
	}
	if t.StalenessThreshold <= 0 {
		t.StalenessThreshold = defaultStalenessThreshold
	}
	return t
}

// pollInterval returns the adaptive poll interval for a bot state: tight
// while transitions are likely, loose once the bot is stably recording, and
// tight again while the final transcript is awaited.
func pollInterval(s session.BotState) time.Duration {
	switch s {
	case session.BotStateStarting, session.BotStateJoining:
		return 500 * time.Millisecond
	case session.BotStateWaiting:
		return 1 * time.Second
	case session.BotStateInCall:
		return 2 * time.Second
	case session.BotStateRecording:
		return 5 * time.Second
	case session.BotStateStopping:
		return 1 * time.Second
	default:
		return 500 * time.Millisecond
	}
}

// StatusChannel merges the push and poll status paths for one bot into a
// single ordered stream of [session.StatusUpdate] values. Both paths run
// concurrently; whichever observes an update first wins, and the consumer's
// state machine makes duplicate or out-of-order deliveries harmless.
//
// A staleness watchdog runs alongside: if no update is observed for the
// configured threshold, it emits one synthetic stale completed update so the
// consumer can finish the session instead of waiting forever on a dead bot.
//
// Lifecycle: [Open] starts the producers, [Updates] is the merged stream,
// [Close] tears everything down and waits for the producers to exit.
type StatusChannel struct {
	client      Client
	botID       string
	tun         Tunables
	stateFn     func() session.BotState
	onAbandoned func()

	updates chan session.StatusUpdate
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.Mutex
	lastObserved time.Time
}

// StatusChannelConfig configures a [StatusChannel].
type StatusChannelConfig struct {
	// Client is the bot gateway client. Required.
	Client Client

	// BotID is the bot to monitor. Required.
	BotID string

	// CurrentState reports the consumer's current bot state; the poll loop
	// uses it to pick its adaptive interval. Required.
	CurrentState func() session.BotState

	// Tunables overrides the default timing knobs.
	Tunables Tunables

	// OnPushAbandoned is called once if the push path exhausts its retry
	// budget and polling carries the session alone. May be nil.
	OnPushAbandoned func()
}

// NewStatusChannel creates a StatusChannel. Call [StatusChannel.Open] to
// start the producers.
func NewStatusChannel(cfg StatusChannelConfig) *StatusChannel {
	return &StatusChannel{
		client:      cfg.Client,
		botID:       cfg.BotID,
		tun:         cfg.Tunables.withDefaults(),
		stateFn:     cfg.CurrentState,
		onAbandoned: cfg.OnPushAbandoned,
		updates:     make(chan session.StatusUpdate, 16),
	}
}

// Updates returns the merged status stream. The channel is never closed by
// the producers; consumers stop reading once they see a terminal state and
// then call [StatusChannel.Close].
func (c *StatusChannel) Updates() <-chan session.StatusUpdate {
	return c.updates
}

// Open starts the push, poll, and watchdog producers. The producers stop when
// [StatusChannel.Close] is called or when they deliver a terminal update.
func (c *StatusChannel) Open() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.mu.Lock()
	c.lastObserved = time.Now()
	c.mu.Unlock()

	c.wg.Add(3)
	go c.pushLoop(ctx)
	go c.pollLoop(ctx)
	go c.watchdogLoop(ctx)
}

// Close cancels all producers and waits for them to exit. Safe to call
// multiple times.
func (c *StatusChannel) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// touch records that a real status observation was made, resetting the
// staleness watchdog.
func (c *StatusChannel) touch(at time.Time) {
	c.mu.Lock()
	c.lastObserved = at
	c.mu.Unlock()
}

// deliver sends u to the consumer unless the channel has been closed.
// It reports whether u was a terminal update, which ends the producer.
func (c *StatusChannel) deliver(ctx context.Context, u session.StatusUpdate) bool {
	select {
	case c.updates <- u:
	case <-ctx.Done():
		return true
	}
	return u.State.IsTerminal()
}

// pushLoop maintains the push subscription: open, read until failure,
// re-open with exponential backoff. After PushMaxRetries consecutive failed
// opens the push path is abandoned; polling continues independently.
func (c *StatusChannel) pushLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.tun.PushBackoff
	failures := 0

	for {
		stream, err := c.client.SubscribeBotEvents(ctx, c.botID)
		if err != nil {
			failures++
			if failures >= c.tun.PushMaxRetries {
				slog.Warn("push subscription abandoned, polling continues alone",
					"bot_id", c.botID,
					"failures", failures)
				if c.onAbandoned != nil {
					c.onAbandoned()
				}
				return
			}
			slog.Debug("push subscription failed, retrying",
				"bot_id", c.botID,
				"attempt", failures,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.tun.PushMaxBackoff {
				backoff = c.tun.PushMaxBackoff
			}
			continue
		}

		// Subscription is live: reset the retry budget.
		failures = 0
		backoff = c.tun.PushBackoff

		terminal := c.readStream(ctx, stream)
		_ = stream.Close()
		if terminal || ctx.Err() != nil {
			return
		}

		// Stream dropped mid-session; wait one base delay before
		// re-subscribing so a flapping subscription cannot spin.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.tun.PushBackoff):
		}
	}
}

// readStream consumes one live subscription until it fails or delivers a
// terminal update. Reports whether a terminal update was seen.
func (c *StatusChannel) readStream(ctx context.Context, stream EventStream) bool {
	for {
		u, err := stream.Next(ctx)
		if err != nil {
			return false
		}
		if u.ObservedAt.IsZero() {
			u.ObservedAt = time.Now()
		}
		c.touch(u.ObservedAt)
		if c.deliver(ctx, u) {
			return true
		}
	}
}

// pollLoop queries bot status on the adaptive interval, backing off on
// transport errors instead of aborting.
func (c *StatusChannel) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	errBackoff := time.Duration(0)

	for {
		interval := pollInterval(c.stateFn())
		if errBackoff > interval {
			interval = errBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		u, err := c.client.BotStatus(ctx, c.botID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errBackoff == 0 {
				errBackoff = pollInterval(c.stateFn())
			} else {
				errBackoff *= 2
			}
			if errBackoff > c.tun.PollMaxBackoff {
				errBackoff = c.tun.PollMaxBackoff
			}
			slog.Debug("bot status poll failed",
				"bot_id", c.botID,
				"backoff", errBackoff,
				"error", err)
			continue
		}

		errBackoff = 0
		if u.ObservedAt.IsZero() {
			u.ObservedAt = time.Now()
		}
		c.touch(u.ObservedAt)
		if c.deliver(ctx, u) {
			return
		}
	}
}

// watchdogLoop emits one synthetic stale completed update if no real status
// has been observed within the staleness threshold. The consumer treats it
// like any other terminal update, so a silently dead bot cannot leave the
// session stuck in "recording".
func (c *StatusChannel) watchdogLoop(ctx context.Context) {
	defer c.wg.Done()

	tick := c.tun.StalenessThreshold / 4
	if tick <= 0 {
		tick = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}

		c.mu.Lock()
		stale := time.Since(c.lastObserved) > c.tun.StalenessThreshold
		c.mu.Unlock()
		if !stale {
			continue
		}

		slog.Warn("bot status stale, assuming the bot died",
			"bot_id", c.botID,
			"threshold", c.tun.StalenessThreshold)
		c.deliver(ctx, session.StatusUpdate{
			State:      session.BotStateCompleted,
			ObservedAt: time.Now(),
			Stale:      true,
		})
		return
	}
}
