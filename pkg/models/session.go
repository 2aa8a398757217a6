package models

import "time"

// Phase represents where a session is in the plan/approve/execute workflow.
type Phase string

const (
	// PhaseGreeting is the initial phase before any task has been submitted.
	PhaseGreeting Phase = "greeting"
	// PhaseTextPlanGeneration indicates a text plan is being generated.
	PhaseTextPlanGeneration Phase = "text_plan_generation"
	// PhaseTextPlanApproval indicates a text plan awaits human review.
	PhaseTextPlanApproval Phase = "text_plan_approval"
	// PhaseTextPlanFeedback indicates the plan was rejected and feedback is
	// being collected.
	PhaseTextPlanFeedback Phase = "text_plan_feedback"
	// PhaseCodeGeneration indicates code is being generated from the plan.
	PhaseCodeGeneration Phase = "code_generation"
	// PhaseCodeApproval indicates generated code awaits human review.
	PhaseCodeApproval Phase = "code_approval"
	// PhaseCodeFeedback indicates the code was rejected and feedback is
	// being collected.
	PhaseCodeFeedback Phase = "code_feedback"
	// PhaseExecuting indicates the approved code graph is being executed.
	PhaseExecuting Phase = "executing"
	// PhaseCompleted is terminal for the current task. The session persists
	// and a new user request re-enters the greeting flow.
	PhaseCompleted Phase = "completed"
)

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	switch p {
	case PhaseGreeting, PhaseTextPlanGeneration, PhaseTextPlanApproval,
		PhaseTextPlanFeedback, PhaseCodeGeneration, PhaseCodeApproval,
		PhaseCodeFeedback, PhaseExecuting, PhaseCompleted:
		return true
	default:
		return false
	}
}

// ApprovalType identifies which artifact an approval decision targets.
type ApprovalType string

const (
	// ApprovalNone means no approval is pending.
	ApprovalNone ApprovalType = "none"
	// ApprovalText means the text plan is awaiting approval.
	ApprovalText ApprovalType = "text"
	// ApprovalCode means the generated code is awaiting approval.
	ApprovalCode ApprovalType = "code"
)

// Session is the persistent conversational context for one user
// interaction stream. It is created on first contact and destroyed only by
// an explicit "start new session"; it is never garbage collected while a
// task is running.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"session_id"`
	// Phase is the current state machine phase.
	Phase Phase `json:"phase"`
	// UserRequest is the originating task text. It survives replans.
	UserRequest string `json:"user_request,omitempty"`
	// TextPlan is the current human-readable plan artifact.
	TextPlan string `json:"text_plan,omitempty"`
	// Code is the current generated code artifact.
	Code string `json:"code,omitempty"`
	// PendingApproval identifies which artifact awaits review.
	PendingApproval ApprovalType `json:"pending_approval"`
	// AgentSummaries maps agent type to the most recent exit summary from
	// that agent. This is the sole carrier of cross-delegation state:
	// last-write-wins per agent type, never merged across turns.
	AgentSummaries map[AgentType]string `json:"agent_summaries,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the session last changed.
	UpdatedAt time.Time `json:"updated_at"`
}
