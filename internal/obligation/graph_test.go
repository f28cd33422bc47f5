package obligation

import (
	"testing"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
)

func obl(id string, status domain.ObligationStatus, deps ...string) *domain.Obligation {
	return &domain.Obligation{ID: id, Status: status, DependsOn: deps}
}

func TestResolveGraphReadyWhenDepsCompletedOrAbsent(t *testing.T) {
	a := obl("a", domain.ObligationCompleted)
	b := obl("b", domain.ObligationPending, "a")
	c := obl("c", domain.ObligationPending, "missing-from-active-set")

	ready, cyclic := resolveGraph([]*domain.Obligation{a, b, c})
	if len(cyclic) != 0 {
		t.Fatalf("expected no cycles, got %v", cyclic)
	}
	ids := map[string]bool{}
	for _, o := range ready {
		ids[o.ID] = true
	}
	if !ids["b"] || !ids["c"] {
		t.Fatalf("expected b and c ready, got %+v", ready)
	}
	if ids["a"] {
		t.Fatal("a is terminal (Completed) and should not be in the active ready set result at all since it wasn't passed as active-non-terminal")
	}
}

func TestResolveGraphBlocksOnUnfinishedDependency(t *testing.T) {
	a := obl("a", domain.ObligationRunning)
	b := obl("b", domain.ObligationPending, "a")

	ready, _ := resolveGraph([]*domain.Obligation{a, b})
	for _, o := range ready {
		if o.ID == "b" {
			t.Fatal("b depends on a non-completed obligation and must not be ready")
		}
	}
}

func TestResolveGraphDetectsCycle(t *testing.T) {
	a := obl("a", domain.ObligationPending, "b")
	b := obl("b", domain.ObligationPending, "a")

	ready, cyclic := resolveGraph([]*domain.Obligation{a, b})
	if len(ready) != 0 {
		t.Fatalf("cycle participants must never be ready, got %+v", ready)
	}
	if len(cyclic) != 2 {
		t.Fatalf("expected both nodes reported as cyclic, got %v", cyclic)
	}
}

func TestResolveGraphExcludesWaitingForSignal(t *testing.T) {
	a := obl("a", domain.ObligationWaitingForSignal)
	ready, _ := resolveGraph([]*domain.Obligation{a})
	if len(ready) != 0 {
		t.Fatal("WaitingForSignal obligation must never be ready")
	}
}

func TestResolveGraphRespectsNextAttemptAtBackoff(t *testing.T) {
	future := time.Now().Add(time.Hour)
	a := &domain.Obligation{ID: "a", Status: domain.ObligationPending, NextAttemptAt: &future}
	ready, _ := resolveGraph([]*domain.Obligation{a})
	if len(ready) != 0 {
		t.Fatal("obligation with future NextAttemptAt must not be ready yet")
	}
}

func TestResolveGraphOrdersByPriorityThenID(t *testing.T) {
	low := &domain.Obligation{ID: "z-low", Status: domain.ObligationPending, Priority: 1}
	high := &domain.Obligation{ID: "a-high", Status: domain.ObligationPending, Priority: 10}
	ready, _ := resolveGraph([]*domain.Obligation{low, high})
	if len(ready) != 2 || ready[0].ID != "a-high" {
		t.Fatalf("expected higher priority first, got %+v", ready)
	}
}

func TestCascadeClosureFollowsTransitiveDependents(t *testing.T) {
	root := obl("root", domain.ObligationRunning)
	mid := obl("mid", domain.ObligationPending, "root")
	leaf := obl("leaf", domain.ObligationPending, "mid")
	unrelated := obl("unrelated", domain.ObligationPending)

	closure := cascadeClosure("root", []*domain.Obligation{root, mid, leaf, unrelated})
	set := map[string]bool{}
	for _, id := range closure {
		set[id] = true
	}
	if !set["mid"] || !set["leaf"] {
		t.Fatalf("expected mid and leaf in cascade closure, got %v", closure)
	}
	if set["unrelated"] {
		t.Fatal("unrelated obligation must not be cascade-cancelled")
	}
}
