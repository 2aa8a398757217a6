// Package scheduler walks a task graph in dependency order, dispatching
// runnable nodes to an executor with bounded retries, propagating failures
// to dependents, and splicing in replacement subgraphs when a node requests
// a replan.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/deskpilot/deskpilot/internal/graph"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// Result reports what a single node execution produced.
type Result struct {
	// Replan requests a fresh subgraph in place of the node's unexecuted
	// descendants instead of completing the node.
	Replan bool
}

// Executor runs a single node. Implementations delegate to sub-agents or
// the LLM; the scheduler only interprets the outcome.
type Executor interface {
	Execute(ctx context.Context, node *models.TaskNode) (Result, error)
}

// Planner supplies replacement subgraphs for replanned nodes. It is an
// external collaborator; the scheduler seeds it with the failed node's
// accumulated context.
type Planner interface {
	Replan(ctx context.Context, node *models.TaskNode, nodeContext string) ([]*models.TaskNode, error)
}

// Emitter receives scheduler progress events. A nil emitter disables
// event publication.
type Emitter func(event models.Event)

// Outcome summarizes a completed scheduler run.
type Outcome struct {
	// Success is true iff every leaf-required node ended in success.
	Success bool
	// Duration is the wall-clock run time.
	Duration time.Duration
	// Failed lists IDs of nodes that ended failed, in insertion order.
	Failed []string
	// Messages holds one human-readable line per notable node outcome.
	Messages []string
}

// Scheduler executes task graphs. Independent branches run concurrently up
// to the policy's worker bound; nodes that become runnable at the same time
// are dispatched in graph insertion order.
type Scheduler struct {
	policy  Policy
	exec    Executor
	planner Planner
	emit    Emitter
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Scheduler with the given policy, executor, and planner.
// The planner may be nil when replanning is not available; replan requests
// then fail their dependents.
func New(policy Policy, exec Executor, planner Planner) *Scheduler {
	return &Scheduler{
		policy:   policy,
		exec:     exec,
		planner:  planner,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetEmitter sets the event emitter for run progress.
func (s *Scheduler) SetEmitter(emit Emitter) {
	s.emit = emit
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// nodeResult carries a finished node execution back to the run loop,
// including the worker's private copy of the node so its output can be
// merged onto the live graph by the single writer.
type nodeResult struct {
	id     string
	node   *models.TaskNode
	result Result
	err    error
}

// Run executes the graph until every non-superseded node is terminal.
// The run loop is the single writer of node status; worker goroutines only
// execute and report back, so status updates are never interleaved.
func (s *Scheduler) Run(ctx context.Context, g *graph.TaskGraph) (Outcome, error) {
	start := time.Now()
	outcome := Outcome{}

	inflight := make(map[string]bool)
	results := make(chan nodeResult)

	dispatch := func() {
		for _, n := range g.Ready() {
			if inflight[n.ID] {
				continue
			}
			if len(inflight) >= s.policy.maxWorkers() {
				break
			}
			if err := g.SetStatus(n.ID, models.StatusRunning); err != nil {
				s.debugLog("[scheduler] dispatch %s: %v", n.ID, err)
				continue
			}
			inflight[n.ID] = true
			s.debugLog("[scheduler] dispatching node %s (%s)", n.ID, n.Name)
			s.publish(models.Event{
				Type:    models.EventActionExecute,
				TaskID:  n.ID,
				Message: fmt.Sprintf("Executing: %s", n.Name),
			})

			// Workers execute a private copy; the run loop merges output
			// back, so live nodes have exactly one writer and snapshots
			// never race with executing branches.
			go func(node *models.TaskNode) {
				res, err := s.executeWithRetry(ctx, node)
				select {
				case results <- nodeResult{id: node.ID, node: node, result: res, err: err}:
				case <-ctx.Done():
				}
			}(n.Clone())
		}
	}

	dispatch()

	for !g.AllTerminal() {
		if len(inflight) == 0 {
			// Nothing running and nothing runnable: the graph cannot make
			// progress. Build validation makes this unreachable for cycles,
			// so it indicates a logic error in a spliced subgraph.
			return outcome, fmt.Errorf("no executable nodes remain with %d nodes unfinished", countUnfinished(g))
		}

		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case r := <-results:
			delete(inflight, r.id)
			s.settle(ctx, g, r, &outcome)
		}

		dispatch()
	}

	outcome.Success = g.Succeeded()
	outcome.Duration = time.Since(start)

	s.publish(models.Event{
		Type:          models.EventTaskCompleted,
		Success:       outcome.Success,
		ExecutionTime: outcome.Duration.Seconds(),
		TaskMessages:  outcome.Messages,
		TaskNodes:     g.Snapshot(),
	})
	return outcome, nil
}

// settle applies one node result to the graph: success, failure with
// propagation, or a replan splice. The worker's node copy is merged first
// so the live node carries the execution output.
func (s *Scheduler) settle(ctx context.Context, g *graph.TaskGraph, r nodeResult, outcome *Outcome) {
	if err := g.MergeResult(r.node); err != nil {
		s.debugLog("[scheduler] merge result %s: %v", r.id, err)
	}
	node := g.Node(r.id)

	switch {
	case r.err != nil:
		s.failNode(g, node, r.err, outcome)

	case r.result.Replan:
		if err := g.SetStatus(r.id, models.StatusReplan); err != nil {
			s.debugLog("[scheduler] settle %s: %v", r.id, err)
			return
		}
		s.replan(ctx, g, node, outcome)

	default:
		if err := g.SetStatus(r.id, models.StatusSuccess); err != nil {
			s.debugLog("[scheduler] settle %s: %v", r.id, err)
			return
		}
		outcome.Messages = append(outcome.Messages, fmt.Sprintf("%s: success", node.Name))
		s.publish(models.Event{
			Type:    models.EventActionResult,
			TaskID:  node.ID,
			Success: true,
			Message: fmt.Sprintf("Completed: %s", node.Name),
		})
	}
}

// failNode marks a node failed and propagates the failure to its transitive
// dependents, which are failed without ever entering running. The failure
// is reported once, at the root.
func (s *Scheduler) failNode(g *graph.TaskGraph, node *models.TaskNode, cause error, outcome *Outcome) {
	if err := g.SetError(node.ID, cause.Error()); err != nil {
		s.debugLog("[scheduler] failNode %s: %v", node.ID, err)
	}
	if err := g.SetStatus(node.ID, models.StatusFailed); err != nil {
		s.debugLog("[scheduler] failNode %s: %v", node.ID, err)
		return
	}

	propagated := g.FailDependents(node.ID)
	outcome.Failed = append(outcome.Failed, node.ID)
	outcome.Failed = append(outcome.Failed, propagated...)
	outcome.Messages = append(outcome.Messages, fmt.Sprintf("%s: failed: %v", node.Name, cause))

	s.debugLog("[scheduler] node %s failed (%v), propagated to %v", node.ID, cause, propagated)
	s.publish(models.Event{
		Type:    models.EventActionResult,
		TaskID:  node.ID,
		Success: false,
		Message: fmt.Sprintf("Failed: %s", node.Name),
		Error:   cause.Error(),
	})
}

// replan requests a replacement subgraph seeded with the node's accumulated
// context and splices it in place of the node's unexecuted descendants.
// Completed sibling results are preserved. If no planner is available or
// replanning fails, the node's dependents are failed instead.
func (s *Scheduler) replan(ctx context.Context, g *graph.TaskGraph, node *models.TaskNode, outcome *Outcome) {
	if s.planner == nil {
		s.debugLog("[scheduler] node %s requested replan but no planner configured", node.ID)
		s.abandonReplan(g, node, fmt.Errorf("no planner configured"), outcome)
		return
	}

	replacement, err := s.planner.Replan(ctx, node, node.Context())
	if err != nil {
		s.debugLog("[scheduler] replan for node %s failed: %v", node.ID, err)
		s.abandonReplan(g, node, err, outcome)
		return
	}

	if err := g.Splice(node.ID, replacement); err != nil {
		s.debugLog("[scheduler] splice for node %s rejected: %v", node.ID, err)
		s.abandonReplan(g, node, err, outcome)
		return
	}

	outcome.Messages = append(outcome.Messages, fmt.Sprintf("%s: replanned into %d nodes", node.Name, len(replacement)))
	s.publish(models.Event{
		Type:      models.EventStatus,
		TaskID:    node.ID,
		Message:   fmt.Sprintf("Replanned: %s", node.Name),
		TaskNodes: g.Snapshot(),
	})
}

// abandonReplan handles a replan that could not be fulfilled: the replanned
// node stays terminal and its dependents are failed so the run can finish.
func (s *Scheduler) abandonReplan(g *graph.TaskGraph, node *models.TaskNode, cause error, outcome *Outcome) {
	propagated := g.FailDependents(node.ID)
	outcome.Failed = append(outcome.Failed, node.ID)
	outcome.Failed = append(outcome.Failed, propagated...)
	outcome.Messages = append(outcome.Messages, fmt.Sprintf("%s: replan failed: %v", node.Name, cause))
}

// executeWithRetry runs one node, retrying transient failures up to the
// policy bound. Permanent failures and replan requests return immediately.
func (s *Scheduler) executeWithRetry(ctx context.Context, node *models.TaskNode) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= s.policy.maxAttempts(); attempt++ {
		node.Attempts = attempt

		res, err := s.exec.Execute(ctx, node)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if IsPermanent(err) {
			s.debugLog("[scheduler] node %s permanent failure on attempt %d: %v", node.ID, attempt, err)
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if attempt == s.policy.maxAttempts() {
			break
		}

		s.debugLog("[scheduler] node %s attempt %d/%d failed: %v, retrying", node.ID, attempt, s.policy.maxAttempts(), err)
		if s.policy.Backoff > 0 {
			select {
			case <-time.After(s.policy.Backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}

	return Result{}, fmt.Errorf("exhausted %d attempts: %w", s.policy.maxAttempts(), lastErr)
}

// publish sends an event through the emitter if one is configured.
func (s *Scheduler) publish(event models.Event) {
	if s.emit != nil {
		s.emit(event)
	}
}

func countUnfinished(g *graph.TaskGraph) int {
	count := 0
	for _, n := range g.Nodes() {
		if !n.Status.Terminal() && !g.Superseded(n.ID) {
			count++
		}
	}
	return count
}
