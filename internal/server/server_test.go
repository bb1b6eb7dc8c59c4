package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/engine"
	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/interrupt"
	"github.com/conduit-desktop/conduit/internal/reconcile"
	"github.com/conduit-desktop/conduit/internal/runstate"
	"github.com/conduit-desktop/conduit/internal/sendqueue"
	"github.com/conduit-desktop/conduit/internal/thinking"
)

type fakeBackend struct {
	mu    sync.Mutex
	posts int
}

func (f *fakeBackend) PostMessage(ctx context.Context, threadID, text string, attachments []api.Attachment) (api.MessageAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	return api.MessageAck{ThreadID: threadID, TurnID: "1"}, nil
}

func (f *fakeBackend) CreateThread(ctx context.Context, cwd string) (string, error) {
	return "T-new", nil
}

func (f *fakeBackend) Interrupt(ctx context.Context, threadID, turnID, actionID string) error {
	return nil
}

func (f *fakeBackend) GetThread(ctx context.Context, threadID string) (api.ThreadSnapshot, error) {
	return api.ThreadSnapshot{ID: threadID}, nil
}

type fixture struct {
	deps    Deps
	tracker *runstate.Tracker
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &fakeBackend{}
	bus := events.NewSubject(events.WithSyncDelivery())
	store := runstate.NewStore(nil)
	tracker := runstate.NewTracker(store, runstate.Tunables{
		PushFreshness: 2500 * time.Millisecond,
		PushMemory:    10 * time.Minute,
	}, bus, nil, nil)
	loop := reconcile.New(store, tracker, backend, reconcile.Tunables{}, nil, nil)
	coord := interrupt.New(store, tracker, backend, nil, bus, interrupt.Config{SingleShot: true}, nil)
	gate := thinking.NewGate(thinking.Tunables{}, nil, nil, nil)
	queue := sendqueue.New(bus, nil)
	eng := engine.New(store, tracker, coord, gate, queue, loop, backend, nil, bus, engine.Options{SteeringEnabled: true}, nil)
	t.Cleanup(eng.Close)

	deps := Deps{
		Engine:  eng,
		Store:   store,
		Tracker: tracker,
		Coord:   coord,
		Gate:    gate,
		Queue:   queue,
		Bus:     bus,
		Log:     discardLogger(),
	}
	srv := httptest.NewServer(Router(deps))
	t.Cleanup(srv.Close)
	return &fixture{deps: deps, tracker: tracker, server: srv}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestSendAndState(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/threads/T1/messages", map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	if body["queued"] != false {
		t.Errorf("queued = %v, want false for idle thread", body["queued"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.tracker.Projection("T1").Busy() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, state := f.do(t, http.MethodGet, "/threads/T1/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	if state["busy"] != true {
		t.Errorf("state = %v, want busy after ack", state)
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/threads/T1/messages", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInterruptNothingRunning(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/threads/T1/interrupt", map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 when nothing to interrupt", resp.StatusCode)
	}
}

func TestInterruptRunningTurn(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandlePush("T1", runstate.Signal{Kind: runstate.SignalStarted, TurnID: "42"})

	resp, body := f.do(t, http.MethodPost, "/threads/T1/interrupt", map[string]string{"turnId": "42"})
	if resp.StatusCode != http.StatusOK || body["stopped"] != true {
		t.Fatalf("interrupt = %d %v", resp.StatusCode, body)
	}
	if f.tracker.Projection("T1").Busy() {
		t.Error("projection should clear optimistically")
	}
}

func TestSteerExternalOwnerConflict(t *testing.T) {
	f := newFixture(t)
	f.tracker.ApplySnapshot("T1", runstate.Snapshot{ExternalActive: true, ExternalTurnID: "9"}, 1)
	f.deps.Queue.Enqueue(sendqueue.ThreadKey("T1"), sendqueue.Entry{Text: "msg"})

	resp, _ := f.do(t, http.MethodPost, "/threads/T1/steer", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for external owner", resp.StatusCode)
	}
}

func TestQueueInspectionAndEdit(t *testing.T) {
	f := newFixture(t)
	key := sendqueue.ThreadKey("T1")
	entry := f.deps.Queue.Enqueue(key, sendqueue.Entry{Text: "typo"})

	resp, body := f.do(t, http.MethodGet, "/threads/T1/queue/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue status = %d", resp.StatusCode)
	}
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want 1", entries)
	}

	resp, _ = f.do(t, http.MethodPatch, "/threads/T1/queue/"+entry.ID, map[string]string{"text": "fixed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	if head, _ := f.deps.Queue.Head(key); head.Text != "fixed" {
		t.Errorf("head = %q, want %q", head.Text, "fixed")
	}

	resp, _ = f.do(t, http.MethodDelete, "/threads/T1/queue/"+entry.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if f.deps.Queue.Len(key) != 0 {
		t.Error("queue should be empty after delete")
	}
}

func TestStatusListsActiveThreads(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandlePush("T1", runstate.Signal{Kind: runstate.SignalStarted, TurnID: "7"})

	resp, body := f.do(t, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	threads := body["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("threads = %v, want 1", threads)
	}
	first := threads[0].(map[string]any)
	if first["id"] != "T1" || first["busy"] != true {
		t.Errorf("thread status = %v", first)
	}
}

func TestWSForwardsActivity(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register its event subscriptions.
	time.Sleep(100 * time.Millisecond)
	f.tracker.HandlePush("T1", runstate.Signal{Kind: runstate.SignalStarted, TurnID: "7"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read ws frame: %v", err)
	}
	if frame.Topic != events.TopicThreadActivity {
		t.Fatalf("topic = %q, want thread activity", frame.Topic)
	}
	var activity events.ActivityEvent
	if err := json.Unmarshal(frame.Payload, &activity); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if activity.ThreadID != "T1" || !activity.Busy {
		t.Errorf("activity = %+v", activity)
	}
}

func TestWSDeliversActivityInOrder(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	f.tracker.HandlePush("T1", runstate.Signal{Kind: runstate.SignalStarted, TurnID: "7"})
	f.tracker.HandlePush("T1", runstate.Signal{Kind: runstate.SignalTerminal, TurnID: "7", Reason: runstate.TerminalCompleted})

	// A stale busy frame arriving after the idle one would wedge the
	// shell's view; activity frames must land in publish order.
	var got []events.ActivityEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 2 {
		var frame struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read ws frame: %v", err)
		}
		if frame.Topic != events.TopicThreadActivity {
			continue
		}
		var activity events.ActivityEvent
		if err := json.Unmarshal(frame.Payload, &activity); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		got = append(got, activity)
	}
	if !got[0].Busy || got[1].Busy {
		t.Errorf("activity order = [busy=%v, busy=%v], want busy then idle", got[0].Busy, got[1].Busy)
	}
}
