// Package transcript provides the merge logic that folds transcript
// fragments from multiple sources into one canonical, append-only document.
//
// Fragments arrive from three places: the local speech recognizer (final
// results only), the live remote push channel, and the bulk transcript a
// meeting bot returns when it finishes. The [Assembler] reconciles all three
// into a single newline-segmented string without duplicating text.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Source identifies where a transcript fragment came from.
type Source string

const (
	// SourceLocalFinal is a final result from the on-device recognizer.
	SourceLocalFinal Source = "local-final"

	// SourceRemotePush is a line delivered over the live push channel.
	SourceRemotePush Source = "remote-push"

	// SourceRemoteBulk is the full transcript returned once when a remote
	// bot completes.
	SourceRemoteBulk Source = "remote-bulk"
)

// Fragment is a unit of transcript text prior to being folded into the
// canonical document. Fragments are ephemeral; the assembler consumes them
// and keeps only their effect on the buffer.
type Fragment struct {
	Source     Source
	Text       string
	ReceivedAt time.Time
}

// separatorTimeFormat is the timestamp layout used in session separators.
const separatorTimeFormat = "2006-01-02 15:04 MST"

// Assembler accumulates transcript fragments into an append-only buffer.
// It never reorders or rewrites previously folded text.
//
// All methods are safe for concurrent use.
type Assembler struct {
	mu  sync.Mutex
	buf strings.Builder
}

// NewAssembler creates an Assembler seeded with previously persisted text.
// Pass the empty string for a fresh session.
func NewAssembler(existing string) *Assembler {
	a := &Assembler{}
	a.buf.WriteString(strings.TrimRight(existing, "\n"))
	return a
}

// Fold applies a fragment to the buffer according to its source:
//
//   - local-final and remote-push text is trimmed and appended as a new
//     line, unless it is empty or an exact duplicate of the current last
//     line.
//   - remote-bulk text is appended as a block separated from any existing
//     content by one blank line.
//
// Interim recognizer results must not be folded; they are UI-only state.
func (a *Assembler) Fold(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch f.Source {
	case SourceRemoteBulk:
		if a.buf.Len() > 0 {
			a.buf.WriteString("\n\n")
		}
		a.buf.WriteString(text)

	default:
		if a.lastLine() == text {
			return
		}
		if a.buf.Len() > 0 {
			a.buf.WriteString("\n")
		}
		a.buf.WriteString(text)
	}
}

// StartContinuation inserts a human-readable separator line before a
// "continue recording" restart, so consecutive recording sessions remain
// visually distinguishable inside one transcript.
//
// No separator is written into an empty buffer.
func (a *Assembler) StartContinuation(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf.Len() == 0 {
		return
	}
	a.buf.WriteString("\n\n--- recording resumed " + at.UTC().Format(separatorTimeFormat) + " ---")
}

// Text returns the canonical transcript accumulated so far.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Len reports the current buffer length in bytes.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// lastLine returns the final line of the buffer. Must be called with a.mu held.
func (a *Assembler) lastLine() string {
	s := a.buf.String()
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
