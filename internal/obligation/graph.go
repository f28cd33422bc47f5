package obligation

import (
	"sort"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
)

// resolveGraph computes the ready set from the active obligations set for one
// tick (§4.1 "Graph resolution"). An obligation is ready when every declared
// dependency is either absent from the active set (assumed completed and
// pruned) or present with status Completed, it is not terminal,
// WaitingForSignal or Running, and any backoff scheduled by a prior Retry has elapsed. Cycle
// participants are returned separately and never considered ready.
func resolveGraph(active []*domain.Obligation) (ready []*domain.Obligation, cyclic []*domain.Obligation) {
	byID := make(map[string]*domain.Obligation, len(active))
	for _, o := range active {
		byID[o.ID] = o
	}

	order, inCycle := topoOrder(active, byID)

	cycleSet := make(map[string]bool, len(inCycle))
	for _, id := range inCycle {
		cycleSet[id] = true
		cyclic = append(cyclic, byID[id])
	}

	now := time.Now()
	for _, id := range order {
		o := byID[id]
		if o.Status.Terminal() || o.Status == domain.ObligationWaitingForSignal || o.Status == domain.ObligationRunning {
			continue
		}
		if o.NextAttemptAt != nil && now.Before(*o.NextAttemptAt) {
			continue
		}
		if !dependenciesSatisfied(o, byID) {
			continue
		}
		ready = append(ready, o)
	}

	// Priority first (higher first), then id for determinism.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	return ready, cyclic
}

func dependenciesSatisfied(o *domain.Obligation, byID map[string]*domain.Obligation) bool {
	for _, depID := range o.DependsOn {
		dep, present := byID[depID]
		if !present {
			// Absent from the active set: assumed completed and pruned.
			continue
		}
		if dep.Status != domain.ObligationCompleted {
			return false
		}
	}
	return true
}

// topoOrder runs Kahn's algorithm over the active set restricted to edges
// whose endpoints are both present, returning the topological order and the
// ids left over when a cycle prevents full ordering (§4.1 "Cycle participants
// are never dispatched").
func topoOrder(active []*domain.Obligation, byID map[string]*domain.Obligation) (order []string, cyclic []string) {
	inDegree := make(map[string]int, len(active))
	successors := make(map[string][]string)

	for _, o := range active {
		if _, ok := inDegree[o.ID]; !ok {
			inDegree[o.ID] = 0
		}
		for _, depID := range o.DependsOn {
			if _, ok := byID[depID]; !ok {
				continue
			}
			inDegree[o.ID]++
			successors[depID] = append(successors[depID], o.ID)
		}
	}

	var queue []string
	for _, o := range active {
		if inDegree[o.ID] == 0 {
			queue = append(queue, o.ID)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(active))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)

		var next []string
		for _, succID := range successors[id] {
			inDegree[succID]--
			if inDegree[succID] == 0 {
				next = append(next, succID)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(active) {
		for _, o := range active {
			if !visited[o.ID] {
				cyclic = append(cyclic, o.ID)
			}
		}
		sort.Strings(cyclic)
	}

	return order, cyclic
}

// cascadeClosure computes the transitive closure of dependents (obligations
// whose DependsOn chain reaches failedID, directly or indirectly) restricted
// to the active set, for cascade-cancel (§4.1 "Cascade-cancel").
func cascadeClosure(failedID string, active []*domain.Obligation) []string {
	reverse := make(map[string][]string, len(active))
	for _, o := range active {
		for _, depID := range o.DependsOn {
			reverse[depID] = append(reverse[depID], o.ID)
		}
	}

	seen := map[string]bool{failedID: true}
	queue := append([]string(nil), reverse[failedID]...)
	var closure []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		closure = append(closure, id)
		queue = append(queue, reverse[id]...)
	}
	sort.Strings(closure)
	return closure
}
