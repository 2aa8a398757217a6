package models

import "time"

// NodeKind classifies what a task node represents.
type NodeKind string

const (
	// KindUserTask is a top-level task submitted by the user.
	KindUserTask NodeKind = "user_task"
	// KindPlan is a reasoning step executed directly against the LLM.
	KindPlan NodeKind = "plan"
	// KindToolCall is a concrete action delegated to a sub-agent.
	KindToolCall NodeKind = "tool_call"
)

// Valid returns true if the kind is a known value.
func (k NodeKind) Valid() bool {
	switch k {
	case KindUserTask, KindPlan, KindToolCall:
		return true
	default:
		return false
	}
}

// NodeStatus represents the current state of a task node.
type NodeStatus string

const (
	// StatusPending indicates the node has not started.
	StatusPending NodeStatus = "pending"
	// StatusRunning indicates the node is being executed.
	StatusRunning NodeStatus = "running"
	// StatusSuccess indicates the node completed successfully.
	StatusSuccess NodeStatus = "success"
	// StatusFailed indicates the node failed terminally.
	StatusFailed NodeStatus = "failed"
	// StatusReplan indicates the node requested a replan. The node itself is
	// terminal; its unexecuted descendants are superseded by a fresh subgraph.
	StatusReplan NodeStatus = "replan"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusReplan:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusReplan:
		return true
	default:
		return false
	}
}

// CanTransition returns true if a node may move from s to next.
// Status only advances forward: pending -> running -> (success|failed|replan).
// The one exception is pending -> failed, used for dependency failure
// propagation where a node is failed without ever running.
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusSuccess || next == StatusFailed || next == StatusReplan
	default:
		return false
	}
}

// AgentType identifies a specialized sub-agent variant.
type AgentType string

const (
	// AgentGUI handles mouse and keyboard interaction with the desktop.
	AgentGUI AgentType = "gui"
	// AgentShell executes shell commands.
	AgentShell AgentType = "shell"
	// AgentBrowser drives a web browser.
	AgentBrowser AgentType = "browser"
	// AgentResearch performs web search and information lookup.
	AgentResearch AgentType = "research"
)

// Valid returns true if the agent type is a known value.
func (a AgentType) Valid() bool {
	switch a {
	case AgentGUI, AgentShell, AgentBrowser, AgentResearch:
		return true
	default:
		return false
	}
}

// TaskNode is a unit of work in the execution graph.
//
// Two independent relations exist over nodes: DependsOn is the execution
// ordering DAG, Subtasks is the containment hierarchy used for display.
// They are never collapsed into one another - a node may depend on a sibling
// while being contained in a different parent.
type TaskNode struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// Name is the short human-readable description of the node.
	Name string `json:"name"`
	// Kind classifies the node (user_task, plan, tool_call).
	Kind NodeKind `json:"kind"`
	// Status is the current execution state.
	Status NodeStatus `json:"status"`
	// DependsOn lists node IDs that must reach success before this node runs.
	// Order is preserved as authored by the planner.
	DependsOn []string `json:"depends_on,omitempty"`
	// Subtasks lists IDs of child nodes. Containment only; it carries no
	// execution-ordering semantics.
	Subtasks []string `json:"subtasks,omitempty"`
	// Agent is the sub-agent variant that executes this node, for tool_call
	// kind nodes.
	Agent AgentType `json:"agent,omitempty"`
	// Params is the opaque key-value payload for tool invocations.
	Params map[string]any `json:"params,omitempty"`
	// Stdout holds captured standard output lines from execution.
	Stdout []string `json:"stdout,omitempty"`
	// Stderr holds captured standard error lines from execution.
	Stderr []string `json:"stderr,omitempty"`
	// ThinkingContent holds free-form reasoning text for non-tool nodes.
	ThinkingContent string `json:"thinking_content,omitempty"`
	// Attempts is the number of execution attempts made so far.
	Attempts int `json:"attempts,omitempty"`
	// Error holds the final error message if the node failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the node was added to the graph.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the node reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the node. Slices and the params map are
// copied, so the clone can be serialized while the original is still being
// mutated by a running worker.
func (n *TaskNode) Clone() *TaskNode {
	copied := *n
	copied.DependsOn = append([]string(nil), n.DependsOn...)
	copied.Subtasks = append([]string(nil), n.Subtasks...)
	copied.Stdout = append([]string(nil), n.Stdout...)
	copied.Stderr = append([]string(nil), n.Stderr...)
	if n.Params != nil {
		copied.Params = make(map[string]any, len(n.Params))
		for k, v := range n.Params {
			copied.Params[k] = v
		}
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}

// Context renders the node's accumulated execution output as free text.
// It is used to seed replanning after a replan outcome.
func (n *TaskNode) Context() string {
	out := ""
	if n.ThinkingContent != "" {
		out += n.ThinkingContent + "\n"
	}
	for _, line := range n.Stdout {
		out += line + "\n"
	}
	for _, line := range n.Stderr {
		out += line + "\n"
	}
	return out
}
