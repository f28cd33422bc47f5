package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// createVMPayload is the type-specific body of a CreateVm command.
type createVMPayload struct {
	VCpuCores   int             `json:"v_cpu_cores"`
	MemoryBytes int64           `json:"memory_bytes"`
	DiskBytes   int64           `json:"disk_bytes"`
	SSHKey      string          `json:"ssh_public_key,omitempty"`
	UserData    string          `json:"user_data,omitempty"`
	VMType      domain.VMType   `json:"vm_type"`
}

// handleVMProvision emits the CreateVm command and waits for the agent's
// ack (§4.1 scenario A, scenario C). The ack itself is applied to the VM
// entity by ApplyCommandResult, called from the acknowledge endpoint — this
// handler only ever observes the resulting VM state, never the ack payload
// directly, which is how it survives a crash between ack and next tick
// (§4.1 "must re-issue or check for the underlying condition").
func (d Deps) handleVMProvision(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}

	switch vm.Status {
	case domain.VMRunning:
		return obligation.Completed("vm already running")
	case domain.VMError:
		return obligation.Retry("node reported provisioning failure: " + vm.StatusMessage)
	case domain.VMDeleting, domain.VMDeleted:
		return obligation.Completed("vm no longer provisioning target")
	}

	if vm.NodeID == "" {
		return obligation.Retry("vm not yet scheduled")
	}

	node, err := d.Nodes.GetNode(ctx, vm.NodeID)
	if err != nil || node.State != domain.NodeOnline {
		reschedule := &domain.Obligation{
			Type:         domain.TypeVMReschedule,
			ResourceType: "vm",
			ResourceID:   vm.ID,
			Priority:     o.Priority,
		}
		return obligation.CompletedWithChildren([]*domain.Obligation{reschedule}, "node unavailable, rescheduling")
	}

	if vm.ActiveCommandID != "" && d.Channel.Pending(vm.ActiveCommandID) {
		return waitForAck(&domain.Command{CommandID: vm.ActiveCommandID}, "awaiting create-vm ack")
	}

	// Either no command outstanding yet, or the prior one expired without an
	// ack ever being applied (vm.Status would have moved off Provisioning
	// otherwise) — issue a fresh one.
	userData := vm.Spec.UserData
	if d.SecretResolver != nil {
		resolved, err := d.SecretResolver.ResolveValue(ctx, userData)
		if err != nil {
			return obligation.Retry("resolve user_data secret: " + err.Error())
		}
		userData = resolved
	}
	payload := createVMPayload{
		VCpuCores:   vm.Spec.VirtualCPUCores,
		MemoryBytes: vm.Spec.MemoryBytes,
		DiskBytes:   vm.Spec.DiskBytes,
		SSHKey:      vm.Spec.SSHPublicKey,
		UserData:    userData,
		VMType:      vm.VMType,
	}
	cmd, err := d.enqueueCommand(ctx, vm.NodeID, vm.ID, domain.CommandCreateVM, payload)
	if err != nil {
		return obligation.Retry("enqueue create-vm: " + err.Error())
	}

	setActiveCommand := func(vm *domain.VirtualMachine) {
		vm.ActiveCommandID = cmd.CommandID
		vm.ActiveCommandType = string(cmd.Type)
		t := cmd.QueuedAt
		vm.ActiveCommandIssuedAt = &t
	}
	if vm.Status == domain.VMProvisioning {
		// Re-issuing after a prior command expired: no status transition,
		// just refresh the active-command bookkeeping.
		if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			setActiveCommand(vm)
			return nil
		}); err != nil {
			return obligation.Retry("refresh active command: " + err.Error())
		}
	} else if _, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMProvisioning, setActiveCommand); err != nil {
		return obligation.Retry("transition to Provisioning: " + err.Error())
	}

	return waitForAck(cmd, "awaiting create-vm ack")
}
