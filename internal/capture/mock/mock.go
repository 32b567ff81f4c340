// Package mock provides test doubles for the capture package interfaces.
//
// Use Recognizer to script recognition runs and Stream to feed controlled
// results. Send interim/final results on ResultsCh, then call Close to end
// the run; Err reports the EndErr configured at construction.
package mock

import (
	"context"
	"sync"

	"github.com/professor2004h/meetscribe/internal/capture"
)

// Recognizer is a mock implementation of capture.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Streams are returned by successive Start calls. When exhausted, Start
	// returns a new default Stream with a buffered channel.
	Streams []*Stream

	// StartErr, if non-nil, is returned by every Start call.
	StartErr error

	// StartCalls is the number of times Start was called.
	StartCalls int
}

// Start records the call and returns the next scripted stream.
func (r *Recognizer) Start(context.Context) (capture.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls++
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	if len(r.Streams) > 0 {
		s := r.Streams[0]
		r.Streams = r.Streams[1:]
		return s, nil
	}
	return &Stream{ResultsCh: make(chan capture.Result, 16)}, nil
}

// StartCallCount returns the number of Start calls. Thread-safe.
func (r *Recognizer) StartCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartCalls
}

// Ensure Recognizer implements capture.Recognizer at compile time.
var _ capture.Recognizer = (*Recognizer)(nil)

// Stream is a mock implementation of capture.Stream.
type Stream struct {
	// ResultsCh is the channel returned by Results. Callers own this channel.
	ResultsCh chan capture.Result

	// EndErr is returned by Err after ResultsCh is closed. Set it before
	// closing the channel.
	EndErr error

	mu         sync.Mutex
	closeCount int
}

// Results returns ResultsCh.
func (s *Stream) Results() <-chan capture.Result { return s.ResultsCh }

// Err returns EndErr.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndErr
}

// Close records the call and closes ResultsCh if still open.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closeCount == 1 {
		close(s.ResultsCh)
	}
	return nil
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Stream) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Ensure Stream implements capture.Stream at compile time.
var _ capture.Stream = (*Stream)(nil)
