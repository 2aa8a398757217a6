package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskpilot/deskpilot/internal/orchestrator"
	"github.com/deskpilot/deskpilot/internal/scheduler"
	"github.com/deskpilot/deskpilot/internal/session"
	"github.com/deskpilot/deskpilot/internal/status"
	"github.com/deskpilot/deskpilot/pkg/models"
)

type stubGenerator struct {
	plan string
	code string
}

func (g *stubGenerator) GenerateTextPlan(context.Context, string, string, string) (string, error) {
	return g.plan, nil
}

func (g *stubGenerator) GenerateCode(context.Context, string, string, string, string) (string, error) {
	return g.code, nil
}

func (g *stubGenerator) Plan(context.Context, string) ([]*models.TaskNode, error) {
	return []*models.TaskNode{{ID: "t1", Name: "noop", Kind: models.KindPlan}}, nil
}

func (g *stubGenerator) Replan(context.Context, *models.TaskNode, string) ([]*models.TaskNode, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	orch := orchestrator.New(
		session.NewManager(nil),
		&stubGenerator{plan: "1. do the thing", code: "pass"},
		status.NewChannel(),
		scheduler.DefaultPolicy(),
	)
	return New(orch, Config{Host: "localhost", Port: 0})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func TestCreateSessionAndStatus(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["session_id"] == "" {
		t.Fatal("no session_id in response")
	}

	w, resp = doJSON(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["status"] != "ok" || resp["sessions"].(float64) != 1 {
		t.Errorf("status payload = %v", resp)
	}
}

func TestSubmitTaskAndPollMessages(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", map[string]string{"task": "organize files"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if resp["status"] != "started" {
		t.Errorf("resp = %v", resp)
	}
	sessionID := resp["session_id"].(string)
	taskID := resp["task_id"].(string)
	if taskID == "" {
		t.Fatal("no task_id in response")
	}
	if taskID == sessionID {
		t.Error("task_id must identify the submission, not the session")
	}

	// Planning runs in the background; poll until the review shows up.
	deadline := time.Now().Add(2 * time.Second)
	var messages []any
	for time.Now().Before(deadline) {
		_, resp = doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/"+sessionID+"/messages?since=0", nil)
		messages = resp["messages"].([]any)
		if hasEventType(messages, "text_plan_review") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !hasEventType(messages, "text_plan_review") {
		t.Fatalf("no plan review in messages: %v", messages)
	}
	if resp["next_cursor"].(float64) == 0 {
		t.Error("next_cursor not advanced")
	}

	// Same cursor returns the same messages.
	_, again := doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/"+sessionID+"/messages?since=0", nil)
	if len(again["messages"].([]any)) != len(messages) {
		t.Error("repeated poll returned different messages")
	}
}

func TestSubmitTaskToUnknownSession(t *testing.T) {
	s := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", map[string]string{
		"task":       "x",
		"session_id": "does-not-exist",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSubmitTaskRequiresTask(t *testing.T) {
	s := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestServer(t)
	w, _ := doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t)
	_, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/sessions", nil)
	id := resp["session_id"].(string)

	w, _ := doJSON(t, s.Handler(), http.MethodDelete, "/api/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w, _ = doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", w.Code)
	}
}

func hasEventType(messages []any, typ string) bool {
	for _, m := range messages {
		if ev, ok := m.(map[string]any); ok && ev["type"] == typ {
			return true
		}
	}
	return false
}

func TestWebsocketSessionFlow(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "new_session"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	greeting := readEvent(t, conn)
	if greeting.Type != models.EventConnection {
		t.Fatalf("first event = %s, want connection", greeting.Type)
	}
	if greeting.SessionID == "" {
		t.Fatal("greeting carries no session id")
	}

	if err := conn.WriteJSON(map[string]string{"type": "user_request", "content": "book a table"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	types := map[models.EventType]bool{}
	for i := 0; i < 8 && !types[models.EventTextPlanReview]; i++ {
		ev := readEvent(t, conn)
		types[ev.Type] = true
	}
	if !types[models.EventTaskSubmitted] || !types[models.EventTextPlanReview] {
		t.Errorf("event types seen = %v", types)
	}
}

func TestWebsocketResumeRestoresState(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Drive a session over REST first.
	_, resp := doJSON(t, s.Handler(), http.MethodPost, "/api/tasks", map[string]string{"task": "check mail"})
	sessionID := resp["session_id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, r := doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/"+sessionID+"/messages?since=0", nil)
		if hasEventType(r["messages"].([]any), "text_plan_review") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "resume_session", "session_id": sessionID}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// History replay must include the silent restoration event with the
	// pending plan.
	var restoration *models.Event
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == models.EventStateRestoration {
			restoration = &ev
			break
		}
	}
	if restoration == nil {
		t.Fatal("no state restoration event on resume")
	}
	if restoration.Phase != models.PhaseTextPlanApproval || restoration.Plan == "" {
		t.Errorf("restoration = %+v", restoration)
	}
}

func TestWebsocketRejectionStaysOnInitiatingConnection(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	sender, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	defer sender.Close()

	if err := sender.WriteJSON(map[string]string{"type": "new_session"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sessionID := readEvent(t, sender).SessionID

	// A second client watches the same session.
	watcher, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.WriteJSON(map[string]string{"type": "resume_session", "session_id": sessionID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The replay carries the greeting and the restoration event.
	for i := 0; i < 2; i++ {
		if ev := readEvent(t, watcher); ev.Type == models.EventError {
			t.Fatalf("replayed history contains an error event: %+v", ev)
		}
	}

	// An approval in greeting is out of phase; the sender alone hears
	// about it.
	if err := sender.WriteJSON(map[string]any{"type": "approval", "approved": true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var rejection *models.Event
	for i := 0; i < 5 && rejection == nil; i++ {
		ev := readEvent(t, sender)
		if ev.Type == models.EventError {
			rejection = &ev
		}
	}
	if rejection == nil || rejection.Error == "" {
		t.Fatal("sender never received the rejection")
	}

	watcher.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var leaked models.Event
	if err := watcher.ReadJSON(&leaked); err == nil {
		t.Errorf("watcher received %+v, rejection must not be broadcast", leaked)
	}

	// The polled history stays clean too.
	_, resp := doJSON(t, s.Handler(), http.MethodGet, "/api/sessions/"+sessionID+"/messages?since=0", nil)
	for _, m := range resp["messages"].([]any) {
		if ev, ok := m.(map[string]any); ok && ev["type"] == "error" {
			t.Errorf("error event leaked onto the session log: %v", ev)
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}
