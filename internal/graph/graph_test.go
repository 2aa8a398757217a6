package graph

import (
	"errors"
	"testing"

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

func TestBuildRejectsCycle(t *testing.T) {
	g := New()
	err := g.Build([]*models.TaskNode{
		node("a", "c"),
		node("b", "a"),
		node("c", "b"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestBuildRejectsSelfCycle(t *testing.T) {
	g := New()
	err := g.Build([]*models.TaskNode{node("a", "a")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]*models.TaskNode{node("a", "missing")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	g := New()
	err := g.Build([]*models.TaskNode{node("a"), node("a")})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestBuildRejectsSubtaskSharedByTwoParents(t *testing.T) {
	g := New()
	p1 := node("p1")
	p1.Subtasks = []string{"child"}
	p2 := node("p2")
	p2.Subtasks = []string{"child"}
	err := g.Build([]*models.TaskNode{p1, p2, node("child")})
	if !errors.Is(err, ErrSubtaskNotForest) {
		t.Fatalf("expected ErrSubtaskNotForest, got %v", err)
	}
}

func TestSubtasksIndependentOfDependencies(t *testing.T) {
	// A node may depend on a sibling while being contained in a different
	// parent. Containment must not affect readiness.
	g := New()
	parent := node("parent")
	parent.Subtasks = []string{"a", "b"}
	a := node("a")
	b := node("b", "a")
	if err := g.Build([]*models.TaskNode{parent, a, b}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	ready := readyIDs(g)
	// parent and a have no deps; b waits on a.
	if len(ready) != 2 || ready[0] != "parent" || ready[1] != "a" {
		t.Errorf("expected [parent a], got %v", ready)
	}
}

func TestReadyFollowsInsertionOrder(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("z"), node("a"), node("m")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	ready := readyIDs(g)
	want := []string{"z", "a", "m"}
	for i, id := range want {
		if ready[i] != id {
			t.Fatalf("expected order %v, got %v", want, ready)
		}
	}
}

func TestReadyWaitsForDependencies(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a"), node("b", "a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	ready := readyIDs(g)
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusSuccess)

	ready = readyIDs(g)
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected b ready after a succeeded, got %v", ready)
	}
}

func TestSetStatusForwardOnly(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// pending -> success is not allowed without running first.
	if err := g.SetStatus("a", models.StatusSuccess); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for pending->success, got %v", err)
	}

	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusSuccess)

	// Terminal states never move.
	if err := g.SetStatus("a", models.StatusRunning); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for success->running, got %v", err)
	}

	if g.Node("a").CompletedAt == nil {
		t.Error("expected CompletedAt set on terminal status")
	}
}

func TestFailDependentsPropagatesTransitively(t *testing.T) {
	// a -> b -> c plus independent d. Failing a must fail b and c without
	// execution, and leave d alone.
	g := New()
	if err := g.Build([]*models.TaskNode{
		node("a"),
		node("b", "a"),
		node("c", "b"),
		node("d"),
	}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusFailed)

	failed := g.FailDependents("a")
	if len(failed) != 2 || failed[0] != "b" || failed[1] != "c" {
		t.Fatalf("expected [b c] failed, got %v", failed)
	}
	if g.Node("b").Status != models.StatusFailed {
		t.Errorf("b status = %s, want failed", g.Node("b").Status)
	}
	if g.Node("c").Error == "" {
		t.Error("expected propagation reason recorded on c")
	}
	if g.Node("d").Status != models.StatusPending {
		t.Errorf("d status = %s, want pending (sibling branch contained)", g.Node("d").Status)
	}
}

func TestFailDependentsDiamond(t *testing.T) {
	// deps(c) = {a, b}: one failed dependency is enough to fail c.
	g := New()
	if err := g.Build([]*models.TaskNode{
		node("a"),
		node("b"),
		node("c", "a", "b"),
	}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusSuccess)
	mustSetStatus(t, g, "b", models.StatusRunning)
	mustSetStatus(t, g, "b", models.StatusFailed)
	g.FailDependents("b")

	if g.Node("c").Status != models.StatusFailed {
		t.Fatalf("c status = %s, want failed", g.Node("c").Status)
	}
	if g.Succeeded() {
		t.Error("expected overall outcome failed")
	}
}

func TestSpliceSupersedesDescendants(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{
		node("a"),
		node("b", "a"),
		node("c", "b"),
		node("d"),
	}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusSuccess)
	mustSetStatus(t, g, "d", models.StatusRunning)
	mustSetStatus(t, g, "d", models.StatusSuccess)
	mustSetStatus(t, g, "b", models.StatusRunning)
	mustSetStatus(t, g, "b", models.StatusReplan)

	if err := g.Splice("b", []*models.TaskNode{
		node("b2", "a"),
		node("c2", "b2"),
	}); err != nil {
		t.Fatalf("splice failed: %v", err)
	}

	if !g.Superseded("b") || !g.Superseded("c") {
		t.Error("expected b and c superseded")
	}
	if g.Superseded("d") {
		t.Error("completed sibling d must be preserved")
	}

	ready := readyIDs(g)
	if len(ready) != 1 || ready[0] != "b2" {
		t.Fatalf("expected b2 ready after splice, got %v", ready)
	}

	mustSetStatus(t, g, "b2", models.StatusRunning)
	mustSetStatus(t, g, "b2", models.StatusSuccess)
	mustSetStatus(t, g, "c2", models.StatusRunning)
	mustSetStatus(t, g, "c2", models.StatusSuccess)

	if !g.AllTerminal() {
		t.Error("expected all non-superseded nodes terminal")
	}
	if !g.Succeeded() {
		t.Error("expected success: superseded nodes are not leaf-required")
	}
}

func TestSpliceRequiresReplanStatus(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := g.Splice("a", nil); err == nil {
		t.Fatal("expected error splicing a non-replanned node")
	}
}

func TestSpliceRejectsCycleInReplacement(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	mustSetStatus(t, g, "a", models.StatusRunning)
	mustSetStatus(t, g, "a", models.StatusReplan)

	err := g.Splice("a", []*models.TaskNode{node("x", "y"), node("y", "x")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestSnapshotIsolatedFromLiveNodes(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a"), node("b", "a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	live := g.Node("a")
	live.Attempts = 1
	live.Stdout = []string{"first line"}

	snap := g.Snapshot()

	// Later writes to the live node must not show through the snapshot.
	live.Attempts = 3
	live.Stdout = append(live.Stdout, "second line")
	live.Stdout[0] = "rewritten"

	if snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot order = %s, %s, want insertion order", snap[0].ID, snap[1].ID)
	}
	if snap[0].Attempts != 1 {
		t.Errorf("snapshot attempts = %d, want 1", snap[0].Attempts)
	}
	if len(snap[0].Stdout) != 1 || snap[0].Stdout[0] != "first line" {
		t.Errorf("snapshot stdout = %v, want the pre-snapshot output", snap[0].Stdout)
	}
}

func TestMergeResultCopiesExecutionOutput(t *testing.T) {
	g := New()
	if err := g.Build([]*models.TaskNode{node("a")}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	mustSetStatus(t, g, "a", models.StatusRunning)

	executed := g.Node("a").Clone()
	executed.Attempts = 2
	executed.Stdout = []string{"ran"}
	executed.ThinkingContent = "reasoned"

	if err := g.MergeResult(executed); err != nil {
		t.Fatalf("merge: %v", err)
	}

	live := g.Node("a")
	if live.Attempts != 2 || live.ThinkingContent != "reasoned" {
		t.Errorf("merge lost output: attempts=%d thinking=%q", live.Attempts, live.ThinkingContent)
	}
	if len(live.Stdout) != 1 || live.Stdout[0] != "ran" {
		t.Errorf("merge lost stdout: %v", live.Stdout)
	}
	if live.Status != models.StatusRunning {
		t.Errorf("merge must not touch status, got %s", live.Status)
	}

	unknown := node("ghost")
	if err := g.MergeResult(unknown); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func readyIDs(g *TaskGraph) []string {
	var ids []string
	for _, n := range g.Ready() {
		ids = append(ids, n.ID)
	}
	return ids
}

func mustSetStatus(t *testing.T, g *TaskGraph, id string, status models.NodeStatus) {
	t.Helper()
	if err := g.SetStatus(id, status); err != nil {
		t.Fatalf("set status %s on %s: %v", status, id, err)
	}
}
