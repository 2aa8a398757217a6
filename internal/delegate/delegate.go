// Package delegate routes task nodes to specialized sub-agents and manages
// the context hand-off between turns. Each agent type keeps one exit summary
// per session; the next delegation to the same agent type is prefixed with
// that summary so the agent resumes with awareness of its previous work.
package delegate

import (
	"context"
	"fmt"
	"strings"

	"github.com/deskpilot/deskpilot/internal/llm"
	"github.com/deskpilot/deskpilot/internal/scheduler"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// Response is what an agent produces for one delegated task.
type Response struct {
	// Content is the agent's user-visible result text.
	Content string
	// Summary is the agent's exit summary, stored for the next delegation
	// to the same agent type. Only recorded when Exited is true.
	Summary string
	// Exited reports a clean agent exit. Summaries are only persisted on
	// clean exits; a failed turn never clobbers the previous summary.
	Exited bool
	// Replan requests that the remaining plan be regenerated instead of
	// continuing past this node.
	Replan bool
	// Stdout and Stderr hold captured command output lines, if any.
	Stdout []string
	Stderr []string
}

// Agent is a specialized sub-agent. Process handles one delegated message
// and returns the outcome; transport or execution faults are returned as
// errors with no partial Response.
type Agent interface {
	Process(ctx context.Context, message string) (Response, error)
}

// SummaryStore persists per-agent exit summaries for a session.
// session.Machine satisfies this.
type SummaryStore interface {
	AgentSummary(agent models.AgentType) (string, bool)
	SetAgentSummary(agent models.AgentType, summary string)
}

// Delegator dispatches task nodes to registered agents. It implements the
// scheduler's Executor so graph execution flows through delegation.
type Delegator struct {
	agents    map[models.AgentType]Agent
	summaries SummaryStore
	completer llm.Completer
	sessionID string
	emit      func(models.Event)
	debugLog  func(format string, args ...interface{})
}

// DelegatorOption configures a Delegator.
type DelegatorOption func(*Delegator)

// WithEmitter sets the event emitter for delegation progress.
func WithEmitter(emit func(models.Event)) DelegatorOption {
	return func(d *Delegator) { d.emit = emit }
}

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) DelegatorOption {
	return func(d *Delegator) { d.debugLog = fn }
}

// NewDelegator creates a Delegator. The completer handles plan-kind nodes
// directly; tool_call nodes go to the agent registered for their type.
func NewDelegator(sessionID string, summaries SummaryStore, completer llm.Completer, opts ...DelegatorOption) *Delegator {
	d := &Delegator{
		agents:    make(map[models.AgentType]Agent),
		summaries: summaries,
		completer: completer,
		sessionID: sessionID,
		emit:      func(models.Event) {},
		debugLog:  func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an agent for a type, replacing any previous registration.
func (d *Delegator) Register(agent models.AgentType, impl Agent) {
	d.agents[agent] = impl
}

// buildMessage applies the context hand-off protocol: when a prior exit
// summary exists for the agent type, the task is prefixed with it.
func buildMessage(summary, task string) string {
	if summary == "" {
		return task
	}
	return fmt.Sprintf("Context from previous work:\n%s\n\nNew task: %s", summary, task)
}

// Execute runs one node. Plan nodes go straight to the language model and
// record their reasoning on the node; tool_call nodes are delegated to the
// agent registered for the node's agent type.
func (d *Delegator) Execute(ctx context.Context, node *models.TaskNode) (scheduler.Result, error) {
	if node.Kind == models.KindPlan {
		return d.executePlan(ctx, node)
	}

	impl, ok := d.agents[node.Agent]
	if !ok {
		return scheduler.Result{}, scheduler.Permanentf("no agent registered for type %q", node.Agent)
	}

	summary, _ := d.summaries.AgentSummary(node.Agent)
	message := buildMessage(summary, node.Name)

	d.emit(models.Event{
		Type:      models.EventDelegation,
		SessionID: d.sessionID,
		TaskID:    node.ID,
		Agent:     node.Agent,
		Message:   node.Name,
	})

	resp, err := impl.Process(ctx, message)
	if err != nil {
		// Summary untouched: the next delegation sees the last clean exit.
		return scheduler.Result{}, fmt.Errorf("agent %s: %w", node.Agent, err)
	}

	node.Stdout = append(node.Stdout, resp.Stdout...)
	node.Stderr = append(node.Stderr, resp.Stderr...)
	if resp.Content != "" {
		node.ThinkingContent = resp.Content
		d.emit(models.Event{
			Type:      models.EventAgentMessage,
			SessionID: d.sessionID,
			TaskID:    node.ID,
			Agent:     node.Agent,
			Content:   resp.Content,
		})
	}

	if resp.Exited && resp.Summary != "" {
		d.summaries.SetAgentSummary(node.Agent, resp.Summary)
	}

	return scheduler.Result{Replan: resp.Replan}, nil
}

// executePlan runs a reasoning node directly against the language model.
func (d *Delegator) executePlan(ctx context.Context, node *models.TaskNode) (scheduler.Result, error) {
	if d.completer == nil {
		return scheduler.Result{}, scheduler.Permanentf("no model available for plan node %s", node.ID)
	}

	d.emit(models.Event{
		Type:      models.EventLLMCallStart,
		SessionID: d.sessionID,
		TaskID:    node.ID,
		Message:   node.Name,
	})

	out, err := d.completer.Complete(ctx, llm.Request{
		System: "You are a task execution assistant. Work through the step and state your conclusion.",
		Prompt: node.Name,
	})
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("plan node %s: %w", node.ID, err)
	}

	node.ThinkingContent = strings.TrimSpace(out)
	d.emit(models.Event{
		Type:      models.EventLLMCallEnd,
		SessionID: d.sessionID,
		TaskID:    node.ID,
		Content:   node.ThinkingContent,
	})
	return scheduler.Result{}, nil
}
