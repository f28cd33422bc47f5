package obligationhandlers

import (
	"context"
	"strconv"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleVMCompensate reverses a node reservation on behalf of a cascade-
// cancelled obligation. The engine does not own resource semantics (§4.1
// "Cascade-cancel"): whichever handler reserved a resource is responsible
// for spawning one of these as a child when its dependent fails.
func (d Deps) handleVMCompensate(ctx context.Context, o *domain.Obligation) obligation.Result {
	nodeID := o.DataValue("node_id")
	if nodeID == "" {
		return obligation.Completed("no reservation to compensate")
	}
	points, _ := strconv.ParseInt(o.DataValue("points"), 10, 64)
	memory, _ := strconv.ParseInt(o.DataValue("memory_bytes"), 10, 64)
	storage, _ := strconv.ParseInt(o.DataValue("storage_bytes"), 10, 64)

	if err := d.Nodes.ReleaseOnNode(ctx, nodeID, points, memory, storage); err != nil {
		return obligation.Retry("release reservation: " + err.Error())
	}
	return obligation.Completed("reservation released on node " + nodeID)
}

// CompensationFor builds the vm.compensate-reservation child obligation that
// reverses a scheduler reservation, for use by handlers that cascade-cancel
// a dependent holding a node reservation.
func CompensationFor(parentPriority int, vm *domain.VirtualMachine) *domain.Obligation {
	return &domain.Obligation{
		Type:         domain.TypeVMCompensate,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     parentPriority,
		CascadePolicy: domain.CascadeKeepOrphans,
		Data: map[string]string{
			"node_id":       vm.NodeID,
			"points":        strconv.FormatInt(vm.Spec.ComputePointCost, 10),
			"memory_bytes":  strconv.FormatInt(vm.Spec.MemoryBytes, 10),
			"storage_bytes": strconv.FormatInt(vm.Spec.DiskBytes, 10),
		},
	}
}
