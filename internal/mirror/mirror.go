// Package mirror fans live session events out to WebSocket listeners, so a
// UI can show final lines and bot state changes as they happen. Delivery is
// best effort: the persisted transcript is the source of truth, and slow
// listeners lose events rather than slow the session down.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Event is one mirrored occurrence within a session.
type Event struct {
	// Type is "final", "interim", or "status".
	Type string `json:"type"`

	// MeetingID identifies the session the event belongs to.
	MeetingID string `json:"meeting_id"`

	// Text carries the line for final/interim events.
	Text string `json:"text,omitempty"`

	// State carries the bot state for status events.
	State string `json:"state,omitempty"`
}

// subscriber buffers events for one connected listener.
type subscriber struct {
	events chan Event
}

// Hub tracks listeners per meeting and broadcasts events to them.
// Safe for concurrent use. The zero value is not usable; call [NewHub].
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Broadcast delivers ev to every listener of its meeting. Listeners whose
// buffers are full are skipped.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.MeetingID] {
		select {
		case sub.events <- ev:
		default:
			slog.Debug("mirror listener too slow, dropping event",
				"meeting_id", ev.MeetingID, "type", ev.Type)
		}
	}
}

// ListenerCount returns the number of listeners for meetingID.
func (h *Hub) ListenerCount(meetingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[meetingID])
}

func (h *Hub) add(meetingID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[meetingID] == nil {
		h.subs[meetingID] = make(map[*subscriber]struct{})
	}
	h.subs[meetingID][sub] = struct{}{}
}

func (h *Hub) remove(meetingID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[meetingID], sub)
	if len(h.subs[meetingID]) == 0 {
		delete(h.subs, meetingID)
	}
}

// ServeWS upgrades the request to a WebSocket and streams meetingID's events
// to it until the client disconnects or ctx ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, meetingID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("mirror websocket accept failed",
			"meeting_id", meetingID, "error", err)
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{events: make(chan Event, 32)}
	h.add(meetingID, sub)
	defer h.remove(meetingID, sub)

	ctx := r.Context()
	for {
		var ev Event
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev = <-sub.events:
		}

		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, buf)
}
