package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleVMSchedule picks a node for a pending VM and hands off to
// vm.provision once a reservation is in place (§4.2). The scheduler owns
// filtering, scoring, and the atomic reservation; this handler only owns the
// VM-side bookkeeping and the next obligation in the chain.
func (d Deps) handleVMSchedule(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}

	// Idempotency guard: a prior attempt may have already reserved and moved
	// the VM past this stage before a crash lost the result.
	if vm.Status != domain.VMPending && vm.Status != domain.VMScheduling {
		return obligation.Completed("vm past scheduling stage")
	}
	if vm.NodeID != "" {
		return obligation.Completed("vm already scheduled to node " + vm.NodeID)
	}

	if vm.Status == domain.VMPending {
		if _, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMScheduling, nil); err != nil {
			return obligation.Retry("transition to Scheduling: " + err.Error())
		}
	}

	requiresPublicIP := vm.Labels != nil && vm.Labels["requires_public_ip"] == "true"
	nodeID, err := d.Scheduler.Schedule(ctx, vm, requiresPublicIP)
	if err != nil {
		if domain.KindOf(err) == domain.KindTransientExternal {
			return obligation.Retry(err.Error())
		}
		return obligation.Fail(err.Error())
	}

	if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
		vm.NodeID = nodeID
		return nil
	}); err != nil {
		return obligation.Retry("assign node: " + err.Error())
	}

	provision := &domain.Obligation{
		Type:         domain.TypeVMProvision,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     o.Priority,
	}
	return obligation.CompletedWithChildren([]*domain.Obligation{provision}, "scheduled to node "+nodeID)
}
