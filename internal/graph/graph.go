// Package graph provides the task graph used for dependency-ordered
// scheduling. Nodes carry two independent relations: a dependency DAG that
// constrains execution order, and a subtask forest that only expresses
// containment for hierarchical display.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a node references a dependency that is not
// part of the graph.
var ErrUnknownDependency = errors.New("dependency references unknown node")

// ErrUnknownNode indicates an operation targeted a node ID not in the graph.
var ErrUnknownNode = errors.New("unknown node")

// ErrInvalidStatus indicates a status transition that would move a node
// backward or out of a terminal state.
var ErrInvalidStatus = errors.New("invalid status transition")

// ErrSubtaskNotForest indicates the subtask relation is not a tree or
// forest (a node was claimed as a child by more than one parent).
var ErrSubtaskNotForest = errors.New("subtask relation is not a forest")

// TaskGraph holds task nodes, their dependency edges, and their containment
// hierarchy. Insertion order is preserved and is the tie-break order for
// simultaneously runnable nodes, so test fixtures are reproducible.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps node ID to the node itself.
	nodes map[string]*models.TaskNode
	// order records node IDs in insertion order.
	order []string
	// dependents is the reverse of the dependency relation: node ID to the
	// IDs of nodes that depend on it.
	dependents map[string][]string
	// superseded marks nodes replaced by a replan subgraph. Superseded
	// nodes are never dispatched and are excluded from the outcome.
	superseded map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[string]*models.TaskNode),
		dependents: make(map[string][]string),
		superseded: make(map[string]bool),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from a slice of nodes. The slice order becomes
// the graph's insertion order. Build fails before any scheduling can begin
// if the dependency relation has a cycle, a dependency references an
// unknown node, or the subtask relation is not a forest.
func (g *TaskGraph) Build(nodes []*models.TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d nodes", len(nodes))

	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		if n.Status == "" {
			n.Status = models.StatusPending
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now()
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("node %s: %w: %s", n.ID, ErrUnknownDependency, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], n.ID)
		}
	}

	if err := g.validateLocked(); err != nil {
		return err
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// validateLocked checks acyclicity of the dependency relation and forest
// shape of the subtask relation. Caller must hold g.mu.
func (g *TaskGraph) validateLocked() error {
	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	// Each node may be contained in at most one parent.
	parent := make(map[string]string)
	for _, id := range g.order {
		for _, childID := range g.nodes[id].Subtasks {
			if _, exists := g.nodes[childID]; !exists {
				return fmt.Errorf("node %s: subtask references unknown node %s", id, childID)
			}
			if prev, claimed := parent[childID]; claimed && prev != id {
				return fmt.Errorf("%w: node %s claimed by %s and %s", ErrSubtaskNotForest, childID, prev, id)
			}
			parent[childID] = id
		}
	}
	return nil
}

// hasCycleLocked detects dependency cycles using depth-first search with
// coloring. Caller must hold g.mu.
func (g *TaskGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.nodes[id].DependsOn {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Node returns the node for the given ID, or nil if not found.
func (g *TaskGraph) Node(id string) *models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of nodes in the graph, superseded included.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Nodes returns all nodes in insertion order.
func (g *TaskGraph) Nodes() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// MergeResult copies execution output from a worker's node copy onto the
// live node: attempts, captured output, thinking content, and error. The
// scheduler's run loop is the only caller, which keeps live nodes
// single-writer while branches execute concurrently.
func (g *TaskGraph) MergeResult(executed *models.TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[executed.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, executed.ID)
	}
	n.Attempts = executed.Attempts
	n.Stdout = append([]string(nil), executed.Stdout...)
	n.Stderr = append([]string(nil), executed.Stderr...)
	n.ThinkingContent = executed.ThinkingContent
	n.Error = executed.Error
	return nil
}

// SetError records the node's final error message.
func (g *TaskGraph) SetError(id, msg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.Error = msg
	return nil
}

// Snapshot returns deep copies of all nodes in insertion order. Event
// payloads and persistence use it: the copies are taken under the graph
// lock, so they can be marshaled while workers keep mutating the live
// nodes.
func (g *TaskGraph) Snapshot() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Ready returns nodes that are pending, not superseded, and whose
// dependencies have all reached success. Results follow insertion order.
func (g *TaskGraph) Ready() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.TaskNode
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != models.StatusPending || g.superseded[id] {
			continue
		}

		met := true
		for _, depID := range n.DependsOn {
			if g.nodes[depID].Status != models.StatusSuccess {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, n)
		}
	}
	return ready
}

// SetStatus advances a node's status, enforcing forward-only transitions.
// Terminal statuses also stamp CompletedAt.
func (g *TaskGraph) SetStatus(id string, status models.NodeStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setStatusLocked(id, status)
}

func (g *TaskGraph) setStatusLocked(id string, status models.NodeStatus) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if !n.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s for node %s", ErrInvalidStatus, n.Status, status, id)
	}

	g.debugLog("[graph.SetStatus] node %s: %s -> %s", id, n.Status, status)
	n.Status = status
	if status.Terminal() {
		now := time.Now()
		n.CompletedAt = &now
	}
	return nil
}

// FailDependents marks every pending transitive dependent of the failed
// node as failed without execution, and returns the IDs it failed in
// insertion order. Nodes already running or terminal are left alone.
func (g *TaskGraph) FailDependents(failedID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	affected := g.transitiveDependentsLocked(failedID)
	var failed []string
	for _, id := range g.order {
		if !affected[id] {
			continue
		}
		n := g.nodes[id]
		if n.Status != models.StatusPending {
			continue
		}
		if err := g.setStatusLocked(id, models.StatusFailed); err != nil {
			continue
		}
		n.Error = "dependency failed: " + failedID
		failed = append(failed, id)
	}

	g.debugLog("[graph.FailDependents] %s failed, propagated to %v", failedID, failed)
	return failed
}

// transitiveDependentsLocked returns the set of node IDs reachable from id
// along reverse dependency edges. Caller must hold g.mu.
func (g *TaskGraph) transitiveDependentsLocked(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.dependents[next]...)
	}
	return seen
}

// Splice replaces the unexecuted descendants of a replanned node with a
// fresh subgraph. The replanned node and its pending transitive dependents
// are marked superseded; completed sibling results are untouched.
// Replacement nodes may depend on any surviving node and on each other, and
// are appended in their given order.
func (g *TaskGraph) Splice(replannedID string, replacement []*models.TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[replannedID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, replannedID)
	}
	if n.Status != models.StatusReplan {
		return fmt.Errorf("node %s is %s, not %s", replannedID, n.Status, models.StatusReplan)
	}

	g.superseded[replannedID] = true
	for id := range g.transitiveDependentsLocked(replannedID) {
		if g.nodes[id].Status == models.StatusPending {
			g.superseded[id] = true
		}
	}

	for _, rn := range replacement {
		if _, dup := g.nodes[rn.ID]; dup {
			return fmt.Errorf("duplicate node id %s", rn.ID)
		}
	}
	for _, rn := range replacement {
		if rn.Status == "" {
			rn.Status = models.StatusPending
		}
		if rn.CreatedAt.IsZero() {
			rn.CreatedAt = time.Now()
		}
		g.nodes[rn.ID] = rn
		g.order = append(g.order, rn.ID)
	}
	for _, rn := range replacement {
		for _, depID := range rn.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("node %s: %w: %s", rn.ID, ErrUnknownDependency, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], rn.ID)
		}
	}

	if err := g.validateLocked(); err != nil {
		return err
	}

	g.debugLog("[graph.Splice] node %s superseded, %d replacement nodes added", replannedID, len(replacement))
	return nil
}

// Superseded returns true if the node was replaced by a replan subgraph.
func (g *TaskGraph) Superseded(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.superseded[id]
}

// AllTerminal returns true when every non-superseded node is in a terminal
// status. This is the scheduler's run-loop exit condition.
func (g *TaskGraph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.order {
		if g.superseded[id] {
			continue
		}
		if !g.nodes[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded returns true when every leaf-required node - every node not
// superseded by a replan - ended in success.
func (g *TaskGraph) Succeeded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.order {
		if g.superseded[id] {
			continue
		}
		if g.nodes[id].Status != models.StatusSuccess {
			return false
		}
	}
	return true
}
