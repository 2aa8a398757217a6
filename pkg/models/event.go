package models

import "time"

// EventType enumerates the kinds of events carried on the status channel.
type EventType string

const (
	// EventTaskSubmitted indicates a user task entered the system.
	EventTaskSubmitted EventType = "task_submitted"
	// EventStatus is a conversational progress update.
	EventStatus EventType = "status"
	// EventAgentMessage is free-form text from an agent to the user.
	EventAgentMessage EventType = "agent_message"
	// EventDelegation indicates a task was handed to a sub-agent.
	EventDelegation EventType = "delegation"
	// EventLLMCallStart indicates a model request began.
	EventLLMCallStart EventType = "llm_call_start"
	// EventLLMCallChunk carries streamed model output.
	EventLLMCallChunk EventType = "llm_call_chunk"
	// EventLLMCallEnd indicates a model request finished.
	EventLLMCallEnd EventType = "llm_call_end"
	// EventActionExecute indicates an automation action is about to run.
	EventActionExecute EventType = "action_execute"
	// EventActionResult carries the outcome of an automation action.
	EventActionResult EventType = "action_result"
	// EventTextPlanReview presents a text plan for approval.
	EventTextPlanReview EventType = "text_plan_review"
	// EventCodeReview presents generated code for approval.
	EventCodeReview EventType = "code_review"
	// EventFeedbackRequest asks the user for rejection feedback.
	EventFeedbackRequest EventType = "feedback_request"
	// EventStateRestoration silently syncs phase and artifacts to a
	// reconnecting client. It is not rendered as a conversational message.
	EventStateRestoration EventType = "state_restoration"
	// EventCompletion indicates the plan/code workflow finished.
	EventCompletion EventType = "completion"
	// EventTaskCompleted indicates graph execution finished.
	EventTaskCompleted EventType = "task_completed"
	// EventError carries a user-visible error.
	EventError EventType = "error"
	// EventConnection greets a newly connected client.
	EventConnection EventType = "connection"
	// EventSessionState carries a phase change notification.
	EventSessionState EventType = "session_state"
)

// Event is a typed, timestamped record on a session's append-only log.
// Events are ordered by Seq within a session; Seq is assigned at publish
// time by the status channel.
type Event struct {
	// Seq is the per-session monotonic sequence number.
	Seq int64 `json:"seq"`
	// Type is the event kind.
	Type EventType `json:"type"`
	// SessionID is the owning session.
	SessionID string `json:"session_id"`
	// TaskID is the related task node, if any.
	TaskID string `json:"task_id,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Message is conversational text for the user.
	Message string `json:"message,omitempty"`
	// Content is auxiliary text (model output, feedback, summaries).
	Content string `json:"content,omitempty"`
	// Plan is the text plan payload for review events.
	Plan string `json:"plan,omitempty"`
	// Code is the code payload for review events.
	Code string `json:"code,omitempty"`
	// PlanType distinguishes text vs code in feedback requests.
	PlanType string `json:"plan_type,omitempty"`
	// Phase is the session phase for state events.
	Phase Phase `json:"phase,omitempty"`
	// Agent is the target agent type for delegation events.
	Agent AgentType `json:"agent,omitempty"`
	// Success reports execution outcome for completion events.
	Success bool `json:"success,omitempty"`
	// ExecutionTime is the wall-clock execution duration in seconds.
	ExecutionTime float64 `json:"execution_time,omitempty"`
	// TaskMessages carries per-task result lines for execution results.
	TaskMessages []string `json:"task_messages,omitempty"`
	// TaskNodes is a serialized snapshot of the task graph.
	TaskNodes []*TaskNode `json:"task_nodes,omitempty"`
	// Error is the error text for error events.
	Error string `json:"error,omitempty"`
}
