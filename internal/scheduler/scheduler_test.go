package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deskpilot/deskpilot/internal/graph"
	"github.com/deskpilot/deskpilot/pkg/models"
)

func node(id string, deps ...string) *models.TaskNode {
	return &models.TaskNode{
		ID:        id,
		Name:      "node " + id,
		Kind:      models.KindToolCall,
		DependsOn: deps,
	}
}

func buildGraph(t *testing.T, nodes ...*models.TaskNode) *graph.TaskGraph {
	t.Helper()
	g := graph.New()
	if err := g.Build(nodes); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

// fakeExecutor dispatches to a per-test behavior function and records the
// order in which nodes began executing.
type fakeExecutor struct {
	mu      sync.Mutex
	started []string
	calls   map[string]int
	behave  func(node *models.TaskNode, attempt int) (Result, error)
}

func newFakeExecutor(behave func(node *models.TaskNode, attempt int) (Result, error)) *fakeExecutor {
	return &fakeExecutor{
		calls:  make(map[string]int),
		behave: behave,
	}
}

func (f *fakeExecutor) Execute(_ context.Context, node *models.TaskNode) (Result, error) {
	f.mu.Lock()
	f.calls[node.ID]++
	attempt := f.calls[node.ID]
	f.started = append(f.started, node.ID)
	f.mu.Unlock()

	if f.behave == nil {
		return Result{}, nil
	}
	return f.behave(node, attempt)
}

func (f *fakeExecutor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakePlanner struct {
	nodes []*models.TaskNode
	err   error
	seed  string
}

func (p *fakePlanner) Replan(_ context.Context, _ *models.TaskNode, nodeContext string) ([]*models.TaskNode, error) {
	p.seed = nodeContext
	return p.nodes, p.err
}

func quickPolicy(workers int) Policy {
	return Policy{MaxAttempts: 3, Backoff: 0, MaxWorkers: workers}
}

func TestRunAllSuccess(t *testing.T) {
	g := buildGraph(t, node("a"), node("b", "a"), node("c", "b"))
	exec := newFakeExecutor(nil)
	s := New(quickPolicy(2), exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !outcome.Success {
		t.Error("expected success")
	}
	for _, id := range []string{"a", "b", "c"} {
		if g.Node(id).Status != models.StatusSuccess {
			t.Errorf("node %s status = %s, want success", id, g.Node(id).Status)
		}
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	// Graph {A, B, C} with deps(C)={A,B}. A succeeds, B fails: C must end
	// failed without ever entering running, and the overall outcome is
	// failed.
	g := buildGraph(t, node("a"), node("b"), node("c", "a", "b"))
	exec := newFakeExecutor(func(n *models.TaskNode, _ int) (Result, error) {
		if n.ID == "b" {
			return Result{}, Permanentf("boom")
		}
		return Result{}, nil
	})
	s := New(quickPolicy(2), exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.Success {
		t.Error("expected overall outcome failed")
	}
	if g.Node("c").Status != models.StatusFailed {
		t.Errorf("c status = %s, want failed", g.Node("c").Status)
	}
	if exec.callCount("c") != 0 {
		t.Errorf("c was executed %d times, want 0", exec.callCount("c"))
	}
}

func TestTransientFailureRetriedToSuccess(t *testing.T) {
	g := buildGraph(t, node("a"))
	exec := newFakeExecutor(func(_ *models.TaskNode, attempt int) (Result, error) {
		if attempt < 3 {
			return Result{}, fmt.Errorf("transient %d", attempt)
		}
		return Result{}, nil
	})
	s := New(Policy{MaxAttempts: 3, MaxWorkers: 1}, exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !outcome.Success {
		t.Error("expected success after retries")
	}
	if got := exec.callCount("a"); got != 3 {
		t.Errorf("a executed %d times, want 3", got)
	}
	if g.Node("a").Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", g.Node("a").Attempts)
	}
}

func TestRetriesNeverExceedBound(t *testing.T) {
	g := buildGraph(t, node("a"))
	exec := newFakeExecutor(func(_ *models.TaskNode, _ int) (Result, error) {
		return Result{}, errors.New("always transient")
	})
	s := New(Policy{MaxAttempts: 2, MaxWorkers: 1}, exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.Success {
		t.Error("expected failure after exhausting retries")
	}
	if got := exec.callCount("a"); got != 2 {
		t.Errorf("a executed %d times, want exactly the bound of 2", got)
	}
	if g.Node("a").Status != models.StatusFailed {
		t.Errorf("a status = %s, want failed", g.Node("a").Status)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	g := buildGraph(t, node("a"))
	exec := newFakeExecutor(func(_ *models.TaskNode, _ int) (Result, error) {
		return Result{}, Permanentf("malformed tool arguments")
	})
	s := New(Policy{MaxAttempts: 5, MaxWorkers: 1}, exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.Success {
		t.Error("expected failure")
	}
	if got := exec.callCount("a"); got != 1 {
		t.Errorf("a executed %d times, want 1 (no retry on permanent failure)", got)
	}
}

func TestDispatchFollowsInsertionOrder(t *testing.T) {
	// Two runnable siblings with no ordering constraint: dispatch must
	// follow graph insertion order, not map iteration order.
	g := buildGraph(t, node("zeta"), node("alpha"), node("mid"))
	exec := newFakeExecutor(nil)
	s := New(quickPolicy(1), exec, nil)

	if _, err := s.Run(context.Background(), g); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	for i, id := range want {
		if exec.started[i] != id {
			t.Fatalf("dispatch order = %v, want %v", exec.started, want)
		}
	}
}

func TestIndependentBranchesRunConcurrently(t *testing.T) {
	g := buildGraph(t, node("a"), node("b"))

	arrived := make(chan string, 2)
	release := make(chan struct{})
	exec := newFakeExecutor(func(n *models.TaskNode, _ int) (Result, error) {
		arrived <- n.ID
		<-release
		return Result{}, nil
	})
	s := New(quickPolicy(2), exec, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), g)
		done <- err
	}()

	// Both nodes must be in flight at the same time.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("independent branches were serialized")
		}
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestReplanSplicesNewSubgraph(t *testing.T) {
	// b requests a replan; its pending dependent c is superseded and the
	// planner's replacement executes instead. The completed sibling d is
	// preserved.
	g := buildGraph(t, node("a"), node("b", "a"), node("c", "b"), node("d"))

	planner := &fakePlanner{nodes: []*models.TaskNode{node("b2", "a")}}
	exec := newFakeExecutor(func(n *models.TaskNode, _ int) (Result, error) {
		if n.ID == "b" {
			n.Stdout = append(n.Stdout, "partial progress")
			return Result{Replan: true}, nil
		}
		return Result{}, nil
	})
	s := New(quickPolicy(1), exec, planner)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !outcome.Success {
		t.Errorf("expected success, messages: %v", outcome.Messages)
	}
	if g.Node("b").Status != models.StatusReplan {
		t.Errorf("b status = %s, want replan", g.Node("b").Status)
	}
	if exec.callCount("c") != 0 {
		t.Error("superseded node c must not execute")
	}
	if exec.callCount("b2") != 1 {
		t.Error("replacement node b2 must execute")
	}
	if g.Node("d").Status != models.StatusSuccess {
		t.Errorf("sibling d status = %s, want success", g.Node("d").Status)
	}
	if planner.seed == "" {
		t.Error("replan must be seeded with the node's accumulated context")
	}
}

func TestReplanFailureFailsDependents(t *testing.T) {
	g := buildGraph(t, node("a"), node("b", "a"))
	planner := &fakePlanner{err: errors.New("planner unavailable")}
	exec := newFakeExecutor(func(n *models.TaskNode, _ int) (Result, error) {
		if n.ID == "a" {
			return Result{Replan: true}, nil
		}
		return Result{}, nil
	})
	s := New(quickPolicy(1), exec, planner)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.Success {
		t.Error("expected failure when replan cannot be fulfilled")
	}
	if g.Node("b").Status != models.StatusFailed {
		t.Errorf("b status = %s, want failed", g.Node("b").Status)
	}
	if exec.callCount("b") != 0 {
		t.Error("b must not execute after replan failure")
	}
}

func TestFailureContainedToBranch(t *testing.T) {
	// Failure in one branch must not abort the sibling branch.
	g := buildGraph(t, node("a"), node("a2", "a"), node("b"), node("b2", "b"))
	exec := newFakeExecutor(func(n *models.TaskNode, _ int) (Result, error) {
		if n.ID == "a" {
			return Result{}, Permanentf("branch a broke")
		}
		return Result{}, nil
	})
	s := New(quickPolicy(2), exec, nil)

	outcome, err := s.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.Success {
		t.Error("expected overall failure")
	}
	if g.Node("b2").Status != models.StatusSuccess {
		t.Errorf("sibling branch b2 status = %s, want success", g.Node("b2").Status)
	}
	if g.Node("a2").Status != models.StatusFailed {
		t.Errorf("a2 status = %s, want failed", g.Node("a2").Status)
	}
}

func TestRunEmitsCompletionEvent(t *testing.T) {
	g := buildGraph(t, node("a"))
	exec := newFakeExecutor(nil)
	s := New(quickPolicy(1), exec, nil)

	var mu sync.Mutex
	var events []models.Event
	s.SetEmitter(func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if _, err := s.Run(context.Background(), g); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	if last.Type != models.EventTaskCompleted {
		t.Errorf("last event type = %s, want task_completed", last.Type)
	}
	if !last.Success {
		t.Error("completion event must carry success")
	}
	if len(last.TaskNodes) != 1 {
		t.Errorf("completion event has %d task nodes, want 1", len(last.TaskNodes))
	}
}

func TestRunCancelled(t *testing.T) {
	g := buildGraph(t, node("a"))
	ctx, cancel := context.WithCancel(context.Background())
	exec := newFakeExecutor(func(_ *models.TaskNode, _ int) (Result, error) {
		cancel()
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	s := New(quickPolicy(1), exec, nil)

	if _, err := s.Run(ctx, g); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
