package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/professor2004h/meetscribe/internal/health"
	"github.com/professor2004h/meetscribe/internal/mirror"
	"github.com/professor2004h/meetscribe/internal/session"
	"github.com/professor2004h/meetscribe/pkg/store"
)

// startRequest is the body of POST /v1/meetings/{id}/start.
type startRequest struct {
	Mode       string `json:"mode"`
	MeetingURL string `json:"meeting_url,omitempty"`
}

// fragmentRequest is the body of POST /v1/meetings/{id}/fragments.
type fragmentRequest struct {
	Text string `json:"text"`
}

// stopResponse is the body returned by POST /v1/meetings/{id}/stop.
type stopResponse struct {
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// meetingResponse is the body returned by GET /v1/meetings/{id}.
type meetingResponse struct {
	MeetingID  string `json:"meeting_id"`
	Status     string `json:"status"`
	Mode       string `json:"mode,omitempty"`
	Transcript string `json:"transcript"`
	Live       bool   `json:"live"`
	BotState   string `json:"bot_state,omitempty"`
	Paused     bool   `json:"paused,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
}

// API exposes the session manager over HTTP.
type API struct {
	manager *SessionManager
	hub     *mirror.Hub
	health  *health.Handler
}

// NewAPI creates the HTTP API around manager.
func NewAPI(manager *SessionManager, hub *mirror.Hub, hh *health.Handler) *API {
	return &API{manager: manager, hub: hub, health: hh}
}

// Register adds all routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/meetings/{id}/start", a.handleStart)
	mux.HandleFunc("POST /v1/meetings/{id}/pause", a.handlePause)
	mux.HandleFunc("POST /v1/meetings/{id}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/meetings/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /v1/meetings/{id}/fragments", a.handleFragment)
	mux.HandleFunc("GET /v1/meetings/{id}", a.handleGet)
	mux.HandleFunc("GET /v1/meetings/{id}/live", a.handleLive)

	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	mode := session.Mode(req.Mode)
	if !mode.IsValid() {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("mode must be %q or %q", session.ModeLocal, session.ModeOnline))
		return
	}
	if mode == session.ModeOnline && strings.TrimSpace(req.MeetingURL) == "" {
		writeError(w, http.StatusBadRequest,
			errors.New("meeting_url is required for online recording"))
		return
	}

	if err := a.manager.Start(r.Context(), meetingID, mode, req.MeetingURL); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRecording):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, ErrBotUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording"})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.handleClockControl(w, r, func(meetingID string) error {
		return a.manager.Pause(meetingID)
	})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.handleClockControl(w, r, func(meetingID string) error {
		return a.manager.Resume(r.Context(), meetingID)
	})
}

// handleClockControl shares the error mapping of pause and resume: the mode
// restriction surfaces as 409, a missing session as 404.
func (a *API) handleClockControl(w http.ResponseWriter, r *http.Request, op func(meetingID string) error) {
	meetingID := r.PathValue("id")
	if err := op(meetingID); err != nil {
		switch {
		case errors.Is(err, ErrNotRecording):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, session.ErrSessionFinished):
			writeError(w, http.StatusConflict, err)
		default:
			// Mode restriction ("only supported in local mode").
			writeError(w, http.StatusConflict, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	warning, err := a.manager.Stop(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, ErrNotRecording) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		// The session completed locally despite the gateway failure; tell
		// the client both halves.
		slog.Warn("stop finished with error", "meeting_id", meetingID, "error", err)
		writeJSON(w, http.StatusBadGateway, stopResponse{
			Status:  "completed",
			Warning: err.Error(),
		})
		return
	}

	resp := stopResponse{Status: "completed", Warning: warning}
	view, viewErr := a.manager.Get(r.Context(), meetingID)
	if viewErr == nil && view.Live {
		// Bot still flushing its transcript.
		resp.Status = "stopping"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFragment(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	var req fragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text must not be empty"))
		return
	}

	if err := a.manager.Fragment(meetingID, req.Text); err != nil {
		if errors.Is(err, ErrNotRecording) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	view, err := a.manager.Get(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := meetingResponse{
		MeetingID:  view.Record.MeetingID,
		Status:     view.Record.Status,
		Mode:       view.Record.RecordingMode,
		Transcript: view.Record.Transcript,
		Live:       view.Live,
		BotState:   string(view.BotState),
		Paused:     view.Paused,
		ElapsedMS:  view.ElapsedMS,
	}
	if !view.Record.UpdatedAt.IsZero() {
		resp.UpdatedAt = view.Record.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	a.hub.ServeWS(w, r, r.PathValue("id"))
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
