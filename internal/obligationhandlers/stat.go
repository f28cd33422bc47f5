package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleStatUpdate recomputes a node's VM-count rollup through the engine
// instead of a fire-and-forget goroutine (§9 "re-architect as low-priority
// stat.update obligations; they share the engine's retry and
// observability"). Multi-instance safe: several nodes' rollups may be in
// flight at once.
func (d Deps) handleStatUpdate(ctx context.Context, o *domain.Obligation) obligation.Result {
	vms, err := d.VMs.ListVMsByNode(ctx, o.ResourceID)
	if err != nil {
		return obligation.Retry("list vms by node: " + err.Error())
	}

	counts := make(map[domain.VMStatus]int, len(vms))
	for _, vm := range vms {
		counts[vm.Status]++
	}
	logging.Op().Info("node vm rollup", "node_id", o.ResourceID, "total", len(vms), "by_status", counts)

	return obligation.Completed("rollup recomputed")
}
