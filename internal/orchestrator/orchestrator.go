// Package orchestrator ties the session state machine, planner, scheduler,
// and delegation layer together. Every external event (user request,
// approval, feedback, replan) enters through one handler here; handlers for
// the same session are serialized so a session only ever has one writer.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/deskpilot/deskpilot/internal/delegate"
	"github.com/deskpilot/deskpilot/internal/llm"
	"github.com/deskpilot/deskpilot/internal/scheduler"
	"github.com/deskpilot/deskpilot/internal/session"
	"github.com/deskpilot/deskpilot/internal/status"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// Generator produces plans, code, and task graphs. planner.LLMPlanner is
// the production implementation.
type Generator interface {
	Plan(ctx context.Context, request string) ([]*models.TaskNode, error)
	Replan(ctx context.Context, node *models.TaskNode, nodeContext string) ([]*models.TaskNode, error)
	GenerateTextPlan(ctx context.Context, request, priorPlan, feedback string) (string, error)
	GenerateCode(ctx context.Context, request, textPlan, priorCode, feedback string) (string, error)
}

// GraphStore persists and restores task graph snapshots. May be nil.
type GraphStore interface {
	SaveGraph(sessionID string, nodes []*models.TaskNode) error
	LoadGraph(sessionID string) ([]*models.TaskNode, error)
}

// EventLog reads the durable per-session event history, used to serve pull
// requests for sessions whose in-memory log did not survive a restart.
// May be nil.
type EventLog interface {
	EventsSince(sessionID string, cursor int64) ([]models.Event, error)
}

// Orchestrator drives sessions through the plan/approve/execute workflow.
type Orchestrator struct {
	sessions  *session.Manager
	generator Generator
	channel   *status.Channel
	graphs    GraphStore
	events    EventLog
	policy    scheduler.Policy
	completer llm.Completer
	agents    map[models.AgentType]delegate.Agent
	debugLog  func(format string, args ...interface{})

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGraphStore attaches a graph snapshot store.
func WithGraphStore(graphs GraphStore) Option {
	return func(o *Orchestrator) { o.graphs = graphs }
}

// WithEventLog attaches the durable event history used as the pull
// fallback after a restart.
func WithEventLog(events EventLog) Option {
	return func(o *Orchestrator) { o.events = events }
}

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(o *Orchestrator) { o.debugLog = fn }
}

// New creates an Orchestrator.
func New(sessions *session.Manager, generator Generator, channel *status.Channel, policy scheduler.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:  sessions,
		generator: generator,
		channel:   channel,
		policy:    policy,
		agents:    make(map[models.AgentType]delegate.Agent),
		locks:     make(map[string]*sync.Mutex),
		debugLog:  func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterAgent adds a sub-agent implementation for delegated execution.
func (o *Orchestrator) RegisterAgent(agent models.AgentType, impl delegate.Agent) {
	o.agents[agent] = impl
}

// sessionLock returns the per-session handler lock, creating it on first
// use. The lock serializes event handling, not just state mutation, so a
// generation in flight blocks the next event for the same session.
func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[sessionID] = l
	}
	return l
}

// NewSession creates a session and publishes the connection greeting.
func (o *Orchestrator) NewSession() (string, error) {
	m, err := o.sessions.Create()
	if err != nil {
		return "", err
	}

	o.channel.Publish(models.Event{
		Type:      models.EventConnection,
		SessionID: m.ID(),
		Message:   "Hello! Tell me what you would like to get done.",
		Phase:     m.Phase(),
	})
	return m.ID(), nil
}

// ResumeSession rehydrates a session and publishes a silent state
// restoration event carrying the phase and pending artifacts. Clients sync
// their view from it without rendering a conversational message.
func (o *Orchestrator) ResumeSession(sessionID string) (models.Session, error) {
	m, err := o.sessions.Get(sessionID)
	if err != nil {
		return models.Session{}, err
	}

	snap := m.Snapshot()
	ev := models.Event{
		Type:      models.EventStateRestoration,
		SessionID: sessionID,
		Phase:     snap.Phase,
		Plan:      snap.TextPlan,
		Code:      snap.Code,
	}
	if o.graphs != nil {
		nodes, err := o.graphs.LoadGraph(sessionID)
		if err != nil {
			o.debugLog("load graph for %s: %v", sessionID, err)
		} else {
			ev.TaskNodes = nodes
		}
	}
	o.channel.Publish(ev)
	return snap, nil
}

// ResetSession destroys a session and discards its event log. Callers stop
// any pollers bound to the session before calling this.
func (o *Orchestrator) ResetSession(sessionID string) error {
	if err := o.sessions.Reset(sessionID); err != nil {
		return err
	}
	o.channel.Discard(sessionID)

	o.mu.Lock()
	delete(o.locks, sessionID)
	o.mu.Unlock()
	return nil
}

// Sessions exposes live session snapshots for the status surface.
func (o *Orchestrator) Sessions() []models.Session {
	return o.sessions.List()
}

// Messages returns the session's events after the cursor, pull-style.
// The in-memory log serves the read when it covers the cursor; after a
// restart it only holds events published since startup, so reads that
// reach further back fall through to the durable log. Sequence numbers are
// dense, which makes the gap detectable: a contiguous read starts at
// cursor+1.
func (o *Orchestrator) Messages(sessionID string, cursor int64) []models.Event {
	events := o.channel.Since(sessionID, cursor)
	if o.events == nil {
		return events
	}
	if len(events) > 0 && events[0].Seq == cursor+1 {
		return events
	}

	durable, err := o.events.EventsSince(sessionID, cursor)
	if err != nil {
		o.debugLog("durable events for %s: %v", sessionID, err)
		return events
	}
	if len(durable) == 0 {
		return events
	}
	return durable
}

// Channel returns the status channel for push subscription.
func (o *Orchestrator) Channel() *status.Channel {
	return o.channel
}

// HandleUserRequest accepts a new task for a session, generates the text
// plan, and presents it for review. When sessionID is empty a fresh session
// is created. Returns the session ID handling the task.
func (o *Orchestrator) HandleUserRequest(ctx context.Context, sessionID, task string) (string, error) {
	if sessionID == "" {
		var err error
		if sessionID, err = o.NewSession(); err != nil {
			return "", err
		}
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := o.sessions.Get(sessionID)
	if err != nil {
		return sessionID, err
	}

	// Protocol violations travel back to the initiating client only; the
	// shared log never records them.
	if err := m.SubmitTask(task); err != nil {
		return sessionID, err
	}

	o.publishPhase(sessionID, m.Phase())
	o.channel.Publish(models.Event{
		Type:      models.EventTaskSubmitted,
		SessionID: sessionID,
		Message:   task,
	})

	if err := o.generateTextPlan(ctx, m, ""); err != nil {
		return sessionID, err
	}
	return sessionID, o.sessions.Persist(m)
}

// HandleApproval processes an approve/reject decision for the pending
// artifact. On text plan approval code generation runs next; on code
// approval with execute the task graph is executed before completion.
func (o *Orchestrator) HandleApproval(ctx context.Context, sessionID string, approved, execute bool) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	if !approved {
		phase, err := m.Reject()
		if err != nil {
			return err
		}
		planType := "text"
		if phase == models.PhaseCodeFeedback {
			planType = "code"
		}
		o.channel.Publish(models.Event{
			Type:      models.EventFeedbackRequest,
			SessionID: sessionID,
			PlanType:  planType,
			Message:   "What should change?",
			Phase:     phase,
		})
		return o.sessions.Persist(m)
	}

	phase, err := m.Approve(execute)
	if err != nil {
		return err
	}
	o.publishPhase(sessionID, phase)

	switch phase {
	case models.PhaseCodeGeneration:
		if err := o.generateCode(ctx, m, ""); err != nil {
			return err
		}
	case models.PhaseExecuting:
		if err := o.execute(ctx, m); err != nil {
			return err
		}
	case models.PhaseCompleted:
		o.channel.Publish(models.Event{
			Type:      models.EventCompletion,
			SessionID: sessionID,
			Success:   true,
			Message:   "Code approved. Nothing was executed.",
			Phase:     phase,
		})
	}
	return o.sessions.Persist(m)
}

// HandleFeedback accepts rejection feedback and regenerates the rejected
// artifact against it.
func (o *Orchestrator) HandleFeedback(ctx context.Context, sessionID, content string) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	phase, err := m.SubmitFeedback(content)
	if err != nil {
		return err
	}
	o.publishPhase(sessionID, phase)

	switch phase {
	case models.PhaseTextPlanGeneration:
		if err := o.generateTextPlan(ctx, m, content); err != nil {
			return err
		}
	case models.PhaseCodeGeneration:
		if err := o.generateCode(ctx, m, content); err != nil {
			return err
		}
	}
	return o.sessions.Persist(m)
}

// HandleReplan discards the pending artifact and regenerates it from
// scratch. planType selects which artifact ("text" or "code").
func (o *Orchestrator) HandleReplan(ctx context.Context, sessionID, planType string) error {
	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	var target models.ApprovalType
	switch planType {
	case "text":
		target = models.ApprovalText
	case "code":
		target = models.ApprovalCode
	default:
		return fmt.Errorf("unknown plan type %q", planType)
	}

	phase, err := m.Replan(target)
	if err != nil {
		return err
	}
	o.publishPhase(sessionID, phase)

	switch phase {
	case models.PhaseTextPlanGeneration:
		if err := o.generateTextPlan(ctx, m, ""); err != nil {
			return err
		}
	case models.PhaseCodeGeneration:
		if err := o.generateCode(ctx, m, ""); err != nil {
			return err
		}
	}
	return o.sessions.Persist(m)
}

// publishPhase announces a phase change on the session's event stream so
// clients can track the workflow without parsing conversational events.
func (o *Orchestrator) publishPhase(sessionID string, phase models.Phase) {
	o.channel.Publish(models.Event{
		Type:      models.EventSessionState,
		SessionID: sessionID,
		Phase:     phase,
	})
}

// publishError emits a user-visible error event for the session.
func (o *Orchestrator) publishError(sessionID string, err error) {
	o.channel.Publish(models.Event{
		Type:      models.EventError,
		SessionID: sessionID,
		Error:     err.Error(),
	})
}
