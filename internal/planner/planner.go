// Package planner turns user requests into executable artifacts: human
// readable text plans, runnable code, and task graphs. All three come from
// the language model; this package owns the prompts and the decoding of the
// model's JSON into task nodes.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/deskpilot/deskpilot/internal/llm"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// Planner produces plans and replacement subgraphs.
type Planner interface {
	// Plan decomposes a user request into a task graph.
	Plan(ctx context.Context, request string) ([]*models.TaskNode, error)
	// Replan produces a replacement subgraph for a node that could not
	// proceed, seeded with the node's accumulated execution context.
	Replan(ctx context.Context, node *models.TaskNode, nodeContext string) ([]*models.TaskNode, error)
}

// wireTask is the model's task shape on the wire.
type wireTask struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Agent     string         `json:"agent"`
	DependsOn []string       `json:"depends_on"`
	Subtasks  []string       `json:"subtasks"`
	Params    map[string]any `json:"params"`
}

// wirePlan is the canonical plan payload.
type wirePlan struct {
	Tasks []wireTask `json:"tasks"`
}

// LLMPlanner is the model-backed Planner.
type LLMPlanner struct {
	completer llm.Completer
	debugLog  func(format string, args ...interface{})
}

// Option configures an LLMPlanner.
type Option func(*LLMPlanner)

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(p *LLMPlanner) { p.debugLog = fn }
}

// New creates an LLMPlanner.
func New(completer llm.Completer, opts ...Option) *LLMPlanner {
	p := &LLMPlanner{
		completer: completer,
		debugLog:  func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const planSystemPrompt = `You are a task planner for a desktop automation assistant.
Decompose the request into tasks. Respond with JSON only, in this exact shape:
{"tasks": [{"id": "t1", "name": "...", "kind": "tool_call", "agent": "gui|shell|browser|research", "depends_on": [], "subtasks": [], "params": {}}]}
Use kind "plan" for pure reasoning steps (no agent), "tool_call" for steps an agent performs.
depends_on lists task ids that must succeed first. subtasks group child task ids for display only.`

// Plan decomposes a request into task nodes.
func (p *LLMPlanner) Plan(ctx context.Context, request string) ([]*models.TaskNode, error) {
	out, err := p.completer.Complete(ctx, llm.Request{
		System: planSystemPrompt,
		Prompt: request,
	})
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	return DecodePlan(out)
}

// Replan produces a replacement subgraph seeded with the node's context.
func (p *LLMPlanner) Replan(ctx context.Context, node *models.TaskNode, nodeContext string) ([]*models.TaskNode, error) {
	prompt := fmt.Sprintf("The task %q could not proceed as planned.\n\nWhat was attempted:\n%s\n\nProduce a fresh set of tasks to accomplish it another way.", node.Name, nodeContext)
	out, err := p.completer.Complete(ctx, llm.Request{
		System: planSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("replan %s: %w", node.ID, err)
	}
	return DecodePlan(out)
}

// GenerateTextPlan produces the human-readable plan shown for approval.
// When feedback from a rejection is present, the prior plan and the
// feedback are included so the model revises rather than starts over.
func (p *LLMPlanner) GenerateTextPlan(ctx context.Context, request, priorPlan, feedback string) (string, error) {
	prompt := fmt.Sprintf("Task: %s\n\nWrite a short numbered plan for accomplishing this on a desktop computer.", request)
	if feedback != "" && priorPlan != "" {
		prompt = fmt.Sprintf("Task: %s\n\nPrevious plan:\n%s\n\nUser feedback:\n%s\n\nRevise the plan per the feedback.", request, priorPlan, feedback)
	}

	out, err := p.completer.Complete(ctx, llm.Request{
		System: "You are a planning assistant. Output only the plan text.",
		Prompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("text plan: %w", err)
	}
	plan := strings.TrimSpace(out)
	if plan == "" {
		return "", fmt.Errorf("model returned empty plan")
	}
	return plan, nil
}

// GenerateCode turns an approved text plan into runnable code.
func (p *LLMPlanner) GenerateCode(ctx context.Context, request, textPlan, priorCode, feedback string) (string, error) {
	prompt := fmt.Sprintf("Task: %s\n\nApproved plan:\n%s\n\nWrite a Python script implementing the plan. Output only code.", request, textPlan)
	if feedback != "" && priorCode != "" {
		prompt = fmt.Sprintf("Task: %s\n\nApproved plan:\n%s\n\nPrevious code:\n%s\n\nUser feedback:\n%s\n\nRevise the code per the feedback. Output only code.", request, textPlan, priorCode, feedback)
	}

	out, err := p.completer.Complete(ctx, llm.Request{
		System:    "You are a code generation assistant for desktop automation scripts.",
		Prompt:    prompt,
		MaxTokens: 8192,
	})
	if err != nil {
		return "", fmt.Errorf("code generation: %w", err)
	}
	code := stripCodeFence(out)
	if code == "" {
		return "", fmt.Errorf("model returned empty code")
	}
	return code, nil
}

// DecodePlan parses a model plan payload into task nodes. The canonical
// shape is {"tasks":[...]}; a bare task list is also accepted and
// normalized. Malformed JSON is repaired before giving up.
func DecodePlan(raw string) ([]*models.TaskNode, error) {
	s := stripCodeFence(raw)

	var plan wirePlan
	if err := decodeJSON(s, &plan); err != nil || plan.Tasks == nil {
		// Bare-list form.
		var tasks []wireTask
		if listErr := decodeJSON(s, &tasks); listErr != nil {
			if err == nil {
				err = listErr
			}
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		plan.Tasks = tasks
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}

	now := time.Now()
	nodes := make([]*models.TaskNode, 0, len(plan.Tasks))
	for _, wt := range plan.Tasks {
		node, err := wt.toNode(now)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (wt wireTask) toNode(now time.Time) (*models.TaskNode, error) {
	if wt.Name == "" {
		return nil, fmt.Errorf("task %q has no name", wt.ID)
	}

	kind := models.NodeKind(wt.Kind)
	if wt.Kind == "" {
		kind = models.KindToolCall
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("task %q: unknown kind %q", wt.Name, wt.Kind)
	}

	var agent models.AgentType
	if kind == models.KindToolCall {
		agent = models.AgentType(wt.Agent)
		if wt.Agent == "" {
			agent = models.AgentShell
		}
		if !agent.Valid() {
			return nil, fmt.Errorf("task %q: unknown agent %q", wt.Name, wt.Agent)
		}
	}

	id := wt.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &models.TaskNode{
		ID:        id,
		Name:      wt.Name,
		Kind:      kind,
		Status:    models.StatusPending,
		DependsOn: wt.DependsOn,
		Subtasks:  wt.Subtasks,
		Agent:     agent,
		Params:    wt.Params,
		CreatedAt: now,
	}, nil
}

// decodeJSON unmarshals with a jsonrepair fallback.
func decodeJSON(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	return json.Unmarshal([]byte(repaired), v)
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
