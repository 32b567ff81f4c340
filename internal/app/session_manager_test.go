package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/professor2004h/meetscribe/internal/app"
	"github.com/professor2004h/meetscribe/internal/bot"
	botmock "github.com/professor2004h/meetscribe/internal/bot/mock"
	"github.com/professor2004h/meetscribe/internal/capture"
	capturemock "github.com/professor2004h/meetscribe/internal/capture/mock"
	"github.com/professor2004h/meetscribe/internal/mirror"
	"github.com/professor2004h/meetscribe/internal/session"
	"github.com/professor2004h/meetscribe/pkg/store"
	"github.com/professor2004h/meetscribe/pkg/store/memstore"
)

// fastTunables keeps the status-channel timing tight for tests while leaving
// the watchdog out of the way.
var fastTunables = bot.Tunables{
	PushBackoff:        5 * time.Millisecond,
	PushMaxBackoff:     10 * time.Millisecond,
	PushMaxRetries:     2,
	PollMaxBackoff:     20 * time.Millisecond,
	StalenessThreshold: 10 * time.Second,
}

// newTestManager builds a manager over a fresh in-memory store.
func newTestManager(t *testing.T, client bot.Client, rec capture.Recognizer) (*app.SessionManager, *memstore.MemStore) {
	t.Helper()
	st := memstore.New()
	m := app.NewSessionManager(app.SessionManagerConfig{
		Store:      st,
		Client:     client,
		Hub:        mirror.NewHub(),
		Tunables:   fastTunables,
		Recognizer: rec,
	})
	t.Cleanup(m.Close)
	return m, st
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func loadRecord(t *testing.T, st store.SessionStore, meetingID string) store.SessionRecord {
	t.Helper()
	rec, err := st.Load(context.Background(), meetingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return rec
}

func TestLocalRecordingViaFragments(t *testing.T) {
	m, st := newTestManager(t, nil, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Fragment("m1", "hello world"); err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if _, err := m.Stop(ctx, "m1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec := loadRecord(t, st, "m1")
	if rec.Transcript != "hello world" {
		t.Errorf("transcript = %q, want %q", rec.Transcript, "hello world")
	}
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusCompleted)
	}
}

func TestOnlineRecordingToCompletion(t *testing.T) {
	stream := &botmock.Stream{Events: make(chan session.StatusUpdate, 4)}
	client := &botmock.Client{
		StartDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateStarting},
		Stream:        stream,
	}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.Events <- session.StatusUpdate{State: session.BotStateJoining}
	stream.Events <- session.StatusUpdate{State: session.BotStateRecording}
	stream.Events <- session.StatusUpdate{State: session.BotStateCompleted, Transcript: "full text"}

	waitFor(t, time.Second, func() bool {
		rec, err := st.Load(ctx, "m1")
		return err == nil && rec.Status == store.StatusCompleted
	}, "session never completed")

	rec := loadRecord(t, st, "m1")
	if rec.Transcript != "full text" {
		t.Errorf("transcript = %q, want %q", rec.Transcript, "full text")
	}
	if rec.Metadata.BotID != "" {
		t.Errorf("bot_id = %q, want cleared", rec.Metadata.BotID)
	}

	// The reaper removes the finished session from the active set.
	waitFor(t, time.Second, func() bool {
		view, err := m.Get(ctx, "m1")
		return err == nil && !view.Live
	}, "finished session never left the active set")
}

func TestStartAdoptsExistingBot(t *testing.T) {
	client := &botmock.Client{
		StartBotErr:  bot.ErrAlreadyStarted,
		FindDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateInCall},
	}
	m, _ := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	view, err := m.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !view.Live {
		t.Error("session should be live")
	}
	if view.BotState != session.BotStateInCall {
		t.Errorf("bot state = %q, want %q", view.BotState, session.BotStateInCall)
	}
	if view.Record.Metadata.BotID != "b1" {
		t.Errorf("bot_id = %q, want %q", view.Record.Metadata.BotID, "b1")
	}
	if len(client.FindBotCalls) != 1 {
		t.Errorf("FindBot calls = %d, want 1", len(client.FindBotCalls))
	}
}

func TestStopWhileBotStillStopping(t *testing.T) {
	stream := &botmock.Stream{Events: make(chan session.StatusUpdate, 4)}
	client := &botmock.Client{
		StartDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateRecording},
		Stream:        stream,
		StopResult:    bot.StopResult{State: session.BotStateStopping},
	}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	warning, err := m.Stop(ctx, "m1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if warning != "" {
		t.Errorf("warning = %q, want empty", warning)
	}

	view, err := m.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !view.Live {
		t.Fatal("session should stay live while the bot is stopping")
	}
	if view.Record.Status != store.StatusActive {
		t.Errorf("status = %q, want %q", view.Record.Status, store.StatusActive)
	}

	// The flushed transcript arrives over the status channel.
	stream.Events <- session.StatusUpdate{State: session.BotStateCompleted, Transcript: "final"}

	waitFor(t, time.Second, func() bool {
		rec, loadErr := st.Load(ctx, "m1")
		return loadErr == nil && rec.Status == store.StatusCompleted
	}, "session never completed after the stopping phase")

	rec := loadRecord(t, st, "m1")
	if rec.Transcript != "final" {
		t.Errorf("transcript = %q, want %q", rec.Transcript, "final")
	}
}

func TestStopSurfacesPartialResultWarning(t *testing.T) {
	client := &botmock.Client{
		StartDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateRecording},
		StopResult: bot.StopResult{
			State:      session.BotStateCompleted,
			Transcript: "partial text",
			Warning:    "recording ended early",
		},
	}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	warning, err := m.Stop(ctx, "m1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if warning != "recording ended early" {
		t.Errorf("warning = %q, want %q", warning, "recording ended early")
	}

	rec := loadRecord(t, st, "m1")
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusCompleted)
	}
	if rec.Transcript != "partial text" {
		t.Errorf("transcript = %q, want %q", rec.Transcript, "partial text")
	}
}

func TestStopFailureCompletesLocally(t *testing.T) {
	client := &botmock.Client{
		StartDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateRecording},
		StopBotErr:    errors.New("gateway exploded"),
	}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.Stop(ctx, "m1"); err == nil {
		t.Fatal("Stop should report the gateway failure")
	}

	rec := loadRecord(t, st, "m1")
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %q, want %q: the UI must never hang", rec.Status, store.StatusCompleted)
	}
}

func TestContinueRecordingAppendsAfterSeparator(t *testing.T) {
	m, st := newTestManager(t, nil, nil)
	ctx := context.Background()

	seed := store.SessionRecord{
		MeetingID:     "m1",
		Transcript:    "first session text",
		Status:        store.StatusCompleted,
		RecordingMode: store.ModeLocal,
	}
	if err := st.Save(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Fragment("m1", "second session text"); err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if _, err := m.Stop(ctx, "m1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := loadRecord(t, st, "m1").Transcript
	if !strings.HasPrefix(got, "first session text\n") {
		t.Errorf("transcript lost the first session: %q", got)
	}
	if !strings.Contains(got, "--- recording resumed ") {
		t.Errorf("transcript missing separator: %q", got)
	}
	if !strings.HasSuffix(got, "second session text") {
		t.Errorf("transcript missing new fragment: %q", got)
	}
}

func TestReloadReconnectsWithoutRedispatch(t *testing.T) {
	stream := &botmock.Stream{Events: make(chan session.StatusUpdate, 4)}
	client := &botmock.Client{Stream: stream}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	seed := store.SessionRecord{
		MeetingID:     "m1",
		Status:        store.StatusActive,
		RecordingMode: store.ModeOnline,
		Metadata: store.Metadata{
			BotID:      "b7",
			MeetingURL: "https://x.test/m1",
		},
	}
	if err := st.Save(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(client.StartBotCalls) != 0 {
		t.Errorf("StartBot calls = %d, want 0 (reconnection must not re-dispatch)", len(client.StartBotCalls))
	}

	stream.Events <- session.StatusUpdate{State: session.BotStateCompleted, Transcript: "recovered"}

	waitFor(t, time.Second, func() bool {
		rec, err := st.Load(ctx, "m1")
		return err == nil && rec.Status == store.StatusCompleted
	}, "reconnected session never completed")

	if got := loadRecord(t, st, "m1").Transcript; got != "recovered" {
		t.Errorf("transcript = %q, want %q", got, "recovered")
	}
}

func TestStartWhileRecordingConflicts(t *testing.T) {
	m, _ := newTestManager(t, nil, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx, "m1", session.ModeLocal, ""); !errors.Is(err, app.ErrAlreadyRecording) {
		t.Errorf("second Start error = %v, want ErrAlreadyRecording", err)
	}
}

func TestOnlineWithoutGatewayRejected(t *testing.T) {
	m, _ := newTestManager(t, nil, nil)

	err := m.Start(context.Background(), "m1", session.ModeOnline, "https://x.test/m1")
	if !errors.Is(err, app.ErrBotUnavailable) {
		t.Errorf("error = %v, want ErrBotUnavailable", err)
	}
}

func TestDispatchFailureFailsSession(t *testing.T) {
	client := &botmock.Client{StartBotErr: errors.New("gateway down")}
	m, st := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err == nil {
		t.Fatal("Start should fail when dispatch fails")
	}

	rec := loadRecord(t, st, "m1")
	if rec.Status != store.StatusFailed {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusFailed)
	}

	// The slot is free again.
	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Errorf("Start after failure: %v", err)
	}
}

func TestPauseRejectedForOnlineSession(t *testing.T) {
	client := &botmock.Client{
		StartDispatch: bot.Dispatch{BotID: "b1", State: session.BotStateRecording},
	}
	m, _ := newTestManager(t, client, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeOnline, "https://x.test/m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Pause("m1"); err == nil {
		t.Error("Pause should be rejected in online mode")
	}
}

func TestPauseResumeLocalSession(t *testing.T) {
	m, _ := newTestManager(t, nil, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Pause("m1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	view, _ := m.Get(ctx, "m1")
	if !view.Paused {
		t.Error("session should report paused")
	}

	if err := m.Resume(ctx, "m1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	view, _ = m.Get(ctx, "m1")
	if view.Paused {
		t.Error("session should report running after resume")
	}
}

func TestFragmentWithoutSession(t *testing.T) {
	m, _ := newTestManager(t, nil, nil)
	if err := m.Fragment("m1", "orphan"); !errors.Is(err, app.ErrNotRecording) {
		t.Errorf("error = %v, want ErrNotRecording", err)
	}
}

func TestServerSideCaptureFoldsFinals(t *testing.T) {
	stream := &capturemock.Stream{ResultsCh: make(chan capture.Result, 4)}
	recognizer := &capturemock.Recognizer{Streams: []*capturemock.Stream{stream}}
	m, st := newTestManager(t, nil, recognizer)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.ResultsCh <- capture.Result{Text: "typing", Final: false}
	stream.ResultsCh <- capture.Result{Text: "spoken line", Final: true}

	waitFor(t, time.Second, func() bool {
		view, err := m.Get(ctx, "m1")
		return err == nil && view.Record.Transcript == "spoken line"
	}, "final result never folded")

	if _, err := m.Stop(ctx, "m1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := loadRecord(t, st, "m1").Transcript; got != "spoken line" {
		t.Errorf("transcript = %q, want %q", got, "spoken line")
	}
}

func TestFatalCaptureErrorFailsSession(t *testing.T) {
	stream := &capturemock.Stream{
		ResultsCh: make(chan capture.Result),
		EndErr:    errors.New("microphone gone"),
	}
	recognizer := &capturemock.Recognizer{Streams: []*capturemock.Stream{stream}}
	m, st := newTestManager(t, nil, recognizer)
	ctx := context.Background()

	if err := m.Start(ctx, "m1", session.ModeLocal, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = stream.Close()

	waitFor(t, time.Second, func() bool {
		rec, err := st.Load(ctx, "m1")
		return err == nil && rec.Status == store.StatusFailed
	}, "session never failed after fatal capture error")

	if err := m.Fragment("m1", "late"); !errors.Is(err, app.ErrNotRecording) {
		t.Errorf("error = %v, want ErrNotRecording after failure", err)
	}
}
