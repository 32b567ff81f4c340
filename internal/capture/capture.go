// Package capture runs local speech recognition for a recording session:
// it owns the recognizer lifecycle (start, pause, resume, auto-restart) and
// folds final results into the session transcript. Interim results are
// forwarded to the caller but never folded.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/professor2004h/meetscribe/internal/session"
	"github.com/professor2004h/meetscribe/internal/transcript"
)

// ErrNoSpeech is the recognizer's way of saying the stream ended without
// detecting speech. The controller restarts recognition instead of treating
// it as a failure.
var ErrNoSpeech = errors.New("capture: no speech detected")

// Result is one recognition result. Final results are folded into the
// transcript; interim results are ephemeral.
type Result struct {
	Text  string
	Final bool
}

// Stream is one live recognition run. Results is closed when the run ends;
// Err then reports why. A nil or [ErrNoSpeech] reason means the recognizer
// simply ran out of speech and may be restarted.
type Stream interface {
	Results() <-chan Result
	Err() error
	Close() error
}

// Recognizer starts recognition runs. Implementations must be safe for
// concurrent use.
type Recognizer interface {
	Start(ctx context.Context) (Stream, error)
}

// Controller drives continuous local recognition for one recording session.
//
// The recognizer is restarted automatically whenever a run ends benignly
// (end of stream, no speech) while the session is active and not paused. Any
// other recognizer error is fatal: capture stops and the OnFatal callback
// fires so the caller can fail the session.
type Controller struct {
	rec        *session.Recording
	recognizer Recognizer
	onInterim  func(string)
	onFinal    func(string)
	onFatal    func(error)

	mu      sync.Mutex
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// ControllerConfig configures a [Controller].
type ControllerConfig struct {
	// Recording is the session fragments are folded into. Required.
	Recording *session.Recording

	// Recognizer produces recognition streams. Required.
	Recognizer Recognizer

	// OnInterim receives interim text for live display. May be nil.
	OnInterim func(string)

	// OnFinal receives each folded final line, after folding. May be nil.
	OnFinal func(string)

	// OnFatal is called once if the recognizer fails unrecoverably. May be
	// nil.
	OnFatal func(error)
}

// NewController creates a Controller. Call [Controller.Start] to begin
// capturing.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		rec:        cfg.Recording,
		recognizer: cfg.Recognizer,
		onInterim:  cfg.OnInterim,
		onFinal:    cfg.OnFinal,
		onFatal:    cfg.OnFatal,
	}
}

// Start opens the first recognition stream and begins consuming results.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	stream, err := c.recognizer.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("capture: start recognizer: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.stream = stream
	c.cancel = cancel
	c.done = done
	c.stopped = false
	c.mu.Unlock()

	go c.consume(runCtx, stream, done)
	return nil
}

// Pause suspends the session clock and closes the recognizer stream. The
// consume loop sees the benign stream end and, because the session is
// paused, does not restart it.
func (c *Controller) Pause() error {
	if err := c.rec.Pause(); err != nil {
		return err
	}
	c.closeStream()
	return nil
}

// Resume restarts the session clock and opens a fresh recognition stream.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.rec.Resume(); err != nil {
		return err
	}
	return c.restart(ctx)
}

// Stop ends capture for good. The session itself is completed by the caller.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.closeStream()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// consume reads one stream to its end, folds finals, and decides whether to
// restart.
func (c *Controller) consume(ctx context.Context, stream Stream, done chan struct{}) {
	for res := range stream.Results() {
		if !res.Final {
			if c.onInterim != nil {
				c.onInterim(res.Text)
			}
			continue
		}
		c.rec.ApplyFragment(transcript.Fragment{
			Source: transcript.SourceLocalFinal,
			Text:   res.Text,
		})
		if c.onFinal != nil {
			c.onFinal(res.Text)
		}
	}

	err := stream.Err()
	if err != nil && !errors.Is(err, ErrNoSpeech) {
		close(done)
		slog.Error("recognizer failed, stopping capture",
			"meeting_id", c.rec.MeetingID(), "error", err)
		if c.onFatal != nil {
			c.onFatal(err)
		}
		return
	}

	// Benign end: restart while the session still wants audio.
	if ctx.Err() == nil && c.shouldRestart() {
		if err := c.restart(ctx); err != nil {
			close(done)
			slog.Error("recognizer restart failed",
				"meeting_id", c.rec.MeetingID(), "error", err)
			if c.onFatal != nil {
				c.onFatal(err)
			}
			return
		}
		slog.Debug("recognizer restarted", "meeting_id", c.rec.MeetingID())
	}
	close(done)
}

// shouldRestart reports whether a benign stream end should trigger a new
// recognition run.
func (c *Controller) shouldRestart() bool {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return false
	}
	return c.rec.Status() == session.StatusActive && !c.rec.Paused()
}

// restart opens a new stream and hands the consume loop over to it.
func (c *Controller) restart(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stream, err := c.recognizer.Start(ctx)
	if err != nil {
		return fmt.Errorf("capture: restart recognizer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.stopped {
		// Stop won the race while the stream was opening; it closed the old
		// stream and cannot see this one, so discard it here.
		c.mu.Unlock()
		cancel()
		_ = stream.Close()
		return nil
	}
	old := c.cancel
	c.stream = stream
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	if old != nil {
		old()
	}
	go c.consume(runCtx, stream, done)
	return nil
}

// closeStream closes the current stream, ending its consume loop.
func (c *Controller) closeStream() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}
