// Package session implements the conversational workflow state machine and
// session lifecycle management. Each session moves through plan generation,
// human approval, code generation, approval again, and optional execution;
// every mutation goes through a per-session exclusive lock so concurrent
// task branches can never interleave partial updates.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// ErrInvalidTransition indicates an event arrived in a phase that does not
// accept it. The session phase is left unchanged; the error is reported to
// the initiating client, never silently swallowed.
var ErrInvalidTransition = errors.New("invalid phase transition")

// transitionError builds the standard rejection for an out-of-phase event.
func transitionError(event string, phase models.Phase) error {
	return fmt.Errorf("%w: %s not accepted in phase %s", ErrInvalidTransition, event, phase)
}

// Machine is the state machine for one session. All mutating methods take
// the machine's lock, making the machine the single writer for its
// session's phase, artifacts, and agent summaries.
type Machine struct {
	mu   sync.Mutex
	sess *models.Session
}

// NewMachine creates a machine for a fresh session in the greeting phase.
func NewMachine() *Machine {
	now := time.Now()
	return &Machine{
		sess: &models.Session{
			ID:              uuid.NewString(),
			Phase:           models.PhaseGreeting,
			PendingApproval: models.ApprovalNone,
			AgentSummaries:  make(map[models.AgentType]string),
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}

// Restore creates a machine around a persisted session, used on
// reconnection so a client resumes in the same phase with its pending
// artifact intact.
func Restore(sess *models.Session) *Machine {
	if sess.AgentSummaries == nil {
		sess.AgentSummaries = make(map[models.AgentType]string)
	}
	return &Machine{sess: sess}
}

// ID returns the session identifier.
func (m *Machine) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.ID
}

// Phase returns the current phase.
func (m *Machine) Phase() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Phase
}

// Snapshot returns a copy of the session state, safe to serialize without
// holding the lock. AgentSummaries is deep-copied.
func (m *Machine) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *m.sess
	copied.AgentSummaries = make(map[models.AgentType]string, len(m.sess.AgentSummaries))
	for k, v := range m.sess.AgentSummaries {
		copied.AgentSummaries[k] = v
	}
	return copied
}

// SubmitTask accepts a new user request. Valid from greeting and from
// completed (the session persists after completion and re-enters the
// workflow with the new request).
func (m *Machine) SubmitTask(request string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.Phase {
	case models.PhaseGreeting, models.PhaseCompleted:
	default:
		return transitionError("task_submitted", m.sess.Phase)
	}

	m.sess.UserRequest = request
	m.sess.TextPlan = ""
	m.sess.Code = ""
	m.sess.PendingApproval = models.ApprovalNone
	m.setPhaseLocked(models.PhaseTextPlanGeneration)
	return nil
}

// PlanGenerated records a generated text plan and moves to approval.
func (m *Machine) PlanGenerated(plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Phase != models.PhaseTextPlanGeneration {
		return transitionError("plan_generated", m.sess.Phase)
	}

	m.sess.TextPlan = plan
	m.sess.PendingApproval = models.ApprovalText
	m.setPhaseLocked(models.PhaseTextPlanApproval)
	return nil
}

// CodeGenerated records generated code and moves to code approval.
func (m *Machine) CodeGenerated(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Phase != models.PhaseCodeGeneration {
		return transitionError("code_generated", m.sess.Phase)
	}

	m.sess.Code = code
	m.sess.PendingApproval = models.ApprovalCode
	m.setPhaseLocked(models.PhaseCodeApproval)
	return nil
}

// Approve accepts the pending artifact. From text plan approval it advances
// to code generation; from code approval it advances to executing when
// execution was requested, otherwise straight to completed.
func (m *Machine) Approve(execute bool) (models.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.Phase {
	case models.PhaseTextPlanApproval:
		m.sess.PendingApproval = models.ApprovalNone
		m.setPhaseLocked(models.PhaseCodeGeneration)
	case models.PhaseCodeApproval:
		m.sess.PendingApproval = models.ApprovalNone
		if execute {
			m.setPhaseLocked(models.PhaseExecuting)
		} else {
			m.setPhaseLocked(models.PhaseCompleted)
		}
	default:
		return m.sess.Phase, transitionError("approval", m.sess.Phase)
	}
	return m.sess.Phase, nil
}

// Reject declines the pending artifact and moves to the matching feedback
// phase so the user can explain what to change.
func (m *Machine) Reject() (models.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.Phase {
	case models.PhaseTextPlanApproval:
		m.setPhaseLocked(models.PhaseTextPlanFeedback)
	case models.PhaseCodeApproval:
		m.setPhaseLocked(models.PhaseCodeFeedback)
	default:
		return m.sess.Phase, transitionError("rejection", m.sess.Phase)
	}
	return m.sess.Phase, nil
}

// SubmitFeedback accepts feedback text in a feedback phase and returns to
// the matching generation phase. The rejected artifact is kept so the
// generator can improve it against the feedback.
func (m *Machine) SubmitFeedback(content string) (models.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if content == "" {
		return m.sess.Phase, fmt.Errorf("empty feedback")
	}

	switch m.sess.Phase {
	case models.PhaseTextPlanFeedback:
		m.setPhaseLocked(models.PhaseTextPlanGeneration)
	case models.PhaseCodeFeedback:
		m.setPhaseLocked(models.PhaseCodeGeneration)
	default:
		return m.sess.Phase, transitionError("feedback", m.sess.Phase)
	}
	return m.sess.Phase, nil
}

// Replan discards the rejected artifact and returns to the corresponding
// generation phase. The originating user request is retained.
func (m *Machine) Replan(planType models.ApprovalType) (models.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case planType == models.ApprovalText && m.sess.Phase == models.PhaseTextPlanApproval:
		m.sess.TextPlan = ""
		m.sess.PendingApproval = models.ApprovalNone
		m.setPhaseLocked(models.PhaseTextPlanGeneration)
	case planType == models.ApprovalCode && m.sess.Phase == models.PhaseCodeApproval:
		m.sess.Code = ""
		m.sess.PendingApproval = models.ApprovalNone
		m.setPhaseLocked(models.PhaseCodeGeneration)
	default:
		return m.sess.Phase, transitionError(fmt.Sprintf("replan(%s)", planType), m.sess.Phase)
	}
	return m.sess.Phase, nil
}

// ExecutionFinished moves an executing session to completed.
func (m *Machine) ExecutionFinished() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess.Phase != models.PhaseExecuting {
		return transitionError("execution_finished", m.sess.Phase)
	}
	m.setPhaseLocked(models.PhaseCompleted)
	return nil
}

// GenerationFailed reverts a failed generation to the prior stable phase
// so the session can accept a retry instead of sitting in a generation
// phase no event is valid in. With a prior artifact the session returns to
// the matching approval phase; without one it returns to greeting (plan)
// or text plan approval (code). Returns the phase settled on.
func (m *Machine) GenerationFailed() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sess.Phase {
	case models.PhaseTextPlanGeneration:
		if m.sess.TextPlan != "" {
			m.sess.PendingApproval = models.ApprovalText
			m.setPhaseLocked(models.PhaseTextPlanApproval)
		} else {
			m.setPhaseLocked(models.PhaseGreeting)
		}
	case models.PhaseCodeGeneration:
		if m.sess.Code != "" {
			m.sess.PendingApproval = models.ApprovalCode
			m.setPhaseLocked(models.PhaseCodeApproval)
		} else {
			m.sess.PendingApproval = models.ApprovalText
			m.setPhaseLocked(models.PhaseTextPlanApproval)
		}
	default:
		m.sess.UpdatedAt = time.Now()
	}
	return m.sess.Phase
}

// AgentSummary returns the most recent exit summary for the agent type and
// whether one exists.
func (m *Machine) AgentSummary(agent models.AgentType) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.sess.AgentSummaries[agent]
	return summary, ok
}

// SetAgentSummary overwrites the exit summary for the agent type.
// Last-write-wins; summaries are never merged across turns.
func (m *Machine) SetAgentSummary(agent models.AgentType, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess.AgentSummaries[agent] = summary
	m.sess.UpdatedAt = time.Now()
}

// setPhaseLocked records a phase change. Caller must hold m.mu.
func (m *Machine) setPhaseLocked(phase models.Phase) {
	m.sess.Phase = phase
	m.sess.UpdatedAt = time.Now()
}
