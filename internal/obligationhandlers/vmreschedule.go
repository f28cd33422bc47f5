package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleVMReschedule releases a VM's current node reservation and re-enters
// the scheduler, used when a node is declared lost mid-provisioning
// (§4.1 scenario C).
func (d Deps) handleVMReschedule(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}
	if vm.Status.Terminal() {
		return obligation.Completed("vm already terminal")
	}

	if vm.NodeID != "" {
		if err := d.Nodes.ReleaseOnNode(ctx, vm.NodeID, vm.Spec.ComputePointCost, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); err != nil {
			return obligation.Retry("release prior reservation: " + err.Error())
		}
		if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			vm.NodeID = ""
			vm.ActiveCommandID = ""
			vm.ActiveCommandType = ""
			vm.ActiveCommandIssuedAt = nil
			return nil
		}); err != nil {
			return obligation.Retry("clear node assignment: " + err.Error())
		}
	}

	if vm.Status != domain.VMPending && vm.Status != domain.VMScheduling {
		if _, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMScheduling, nil); err != nil {
			return obligation.Retry("transition to Scheduling: " + err.Error())
		}
	}

	schedule := &domain.Obligation{
		Type:         domain.TypeVMSchedule,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     o.Priority,
	}
	return obligation.CompletedWithChildren([]*domain.Obligation{schedule}, "released reservation, re-entering scheduler")
}
