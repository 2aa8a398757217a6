package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/deskpilot/deskpilot/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost; browsers on the same machine are
		// the intended clients.
		return true
	},
}

// clientMessage is the client→server websocket envelope.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Task      string `json:"task,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Execute   bool   `json:"execute,omitempty"`
	PlanType  string `json:"plan_type,omitempty"`
}

// wsConn is one live websocket client bound to at most one session.
type wsConn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	sessionID string
	closed    bool
}

func (wc *wsConn) bind(sessionID string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.sessionID = sessionID
}

func (wc *wsConn) boundTo() string {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.sessionID
}

// send writes one event to the client. Writes are serialized; a write
// failure marks the connection dead and later sends become no-ops.
func (wc *wsConn) send(ev models.Event) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return
	}
	if err := wc.conn.WriteJSON(ev); err != nil {
		wc.closed = true
	}
}

func (wc *wsConn) close() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.closed = true
	wc.conn.Close()
}

// handleWebsocket upgrades the connection and runs its read loop. Events
// for the bound session are pushed as they are published; the subscription
// is removed when the connection ends.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.debugLog("websocket upgrade: %v", err)
		return
	}

	wc := &wsConn{conn: conn}
	defer wc.close()

	unsubscribe := s.orch.Channel().Subscribe(func(ev models.Event) {
		if wc.boundTo() == ev.SessionID && ev.SessionID != "" {
			wc.send(ev)
		}
	})
	defer unsubscribe()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// Malformed payload: drop it, keep the connection alive.
				s.debugLog("websocket decode: %v", err)
				continue
			}
			return
		}
		s.dispatch(c.Request.Context(), wc, msg)
	}
}

// dispatch routes one client message. Handler errors go back to this
// connection via rejectMessage; they never reach the session's shared log.
func (s *Server) dispatch(ctx context.Context, wc *wsConn, msg clientMessage) {
	switch msg.Type {
	case "new_session":
		id, err := s.orch.NewSession()
		if err != nil {
			s.debugLog("new session: %v", err)
			return
		}
		wc.bind(id)
		// The greeting was published before the bind; re-deliver directly.
		for _, ev := range s.orch.Messages(id, 0) {
			wc.send(ev)
		}

	case "resume_session":
		if _, err := s.orch.ResumeSession(msg.SessionID); err != nil {
			wc.send(models.Event{
				Type:      models.EventError,
				SessionID: msg.SessionID,
				Error:     err.Error(),
			})
			return
		}
		wc.bind(msg.SessionID)
		// Restoration is silent state sync; re-deliver it plus history so
		// the client can rebuild its view.
		for _, ev := range s.orch.Messages(msg.SessionID, 0) {
			wc.send(ev)
		}

	case "user_request":
		task := msg.Content
		if task == "" {
			task = msg.Task
		}
		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID = wc.boundTo()
		}
		id, err := s.orch.HandleUserRequest(ctx, sessionID, task)
		if err != nil {
			s.rejectMessage(wc, id, err)
		}
		if wc.boundTo() == "" && id != "" {
			wc.bind(id)
			for _, ev := range s.orch.Messages(id, 0) {
				wc.send(ev)
			}
		}

	case "approval":
		if err := s.orch.HandleApproval(ctx, s.target(wc, msg), msg.Approved, msg.Execute); err != nil {
			s.rejectMessage(wc, s.target(wc, msg), err)
		}

	case "feedback":
		if err := s.orch.HandleFeedback(ctx, s.target(wc, msg), msg.Content); err != nil {
			s.rejectMessage(wc, s.target(wc, msg), err)
		}

	case "replan":
		if err := s.orch.HandleReplan(ctx, s.target(wc, msg), msg.PlanType); err != nil {
			s.rejectMessage(wc, s.target(wc, msg), err)
		}

	default:
		wc.send(models.Event{
			Type:  models.EventError,
			Error: "unknown message type: " + msg.Type,
		})
	}
}

// rejectMessage reports a rejected client message on the initiating
// connection only. Out-of-phase approvals and the like never touch the
// session's shared event log, so other clients and later resumes do not
// see them.
func (s *Server) rejectMessage(wc *wsConn, sessionID string, err error) {
	s.debugLog("rejected message for %s: %v", sessionID, err)
	wc.send(models.Event{
		Type:      models.EventError,
		SessionID: sessionID,
		Error:     err.Error(),
	})
}

// target resolves which session a message addresses: explicit session_id
// wins, else the connection's bound session.
func (s *Server) target(wc *wsConn, msg clientMessage) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return wc.boundTo()
}
