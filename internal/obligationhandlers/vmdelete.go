package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleVMDelete tears down a VM: releases an unscheduled reservation
// directly, or issues DeleteVm to the node and waits for the ack (§3 "vm
// never leaves Deleted").
func (d Deps) handleVMDelete(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return obligation.Completed("vm already deleted")
		}
		return obligation.Retry(err.Error())
	}
	if vm.Status == domain.VMDeleted {
		return obligation.Completed("vm already deleted")
	}

	// Deleted is only reachable from Deleting, so a direct delete passes
	// through Deleting first unless the VM is already there.
	deleteDirectly := func() error {
		if vm.Status != domain.VMDeleting {
			if _, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMDeleting, nil); err != nil {
				return err
			}
		}
		_, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMDeleted, nil)
		return err
	}

	if vm.NodeID == "" {
		if err := deleteDirectly(); err != nil {
			return obligation.Retry("transition to Deleted: " + err.Error())
		}
		return obligation.Completed("vm never scheduled, deleted directly")
	}

	node, err := d.Nodes.GetNode(ctx, vm.NodeID)
	nodeReachable := err == nil && node.State == domain.NodeOnline
	if !nodeReachable {
		// Node is gone or unreachable: nothing will ever ack a DeleteVm
		// command, so release and mark deleted directly rather than wait
		// forever — mirrors §4.2 "or when the node is declared lost".
		if err := deleteDirectly(); err != nil {
			return obligation.Retry("transition to Deleted: " + err.Error())
		}
		return obligation.Completed("node unreachable, deleted without agent ack")
	}

	if vm.ActiveCommandID != "" && vm.ActiveCommandType == string(domain.CommandDeleteVM) && d.Channel.Pending(vm.ActiveCommandID) {
		return waitForAck(&domain.Command{CommandID: vm.ActiveCommandID}, "awaiting delete-vm ack")
	}

	if vm.Status == domain.VMDeleting {
		// A DeleteVm was already issued and either acked (vm.Status would be
		// Deleted by now — it isn't) or expired without ack: re-issue.
		cmd, err := d.enqueueCommand(ctx, vm.NodeID, vm.ID, domain.CommandDeleteVM, nil)
		if err != nil {
			return obligation.Retry("enqueue delete-vm: " + err.Error())
		}
		if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			vm.ActiveCommandID = cmd.CommandID
			vm.ActiveCommandType = string(cmd.Type)
			return nil
		}); err != nil {
			return obligation.Retry("refresh active command: " + err.Error())
		}
		return waitForAck(cmd, "awaiting delete-vm ack")
	}

	cmd, err := d.enqueueCommand(ctx, vm.NodeID, vm.ID, domain.CommandDeleteVM, nil)
	if err != nil {
		return obligation.Retry("enqueue delete-vm: " + err.Error())
	}
	if _, err := d.Lifecycle.Transition(ctx, vm.ID, domain.VMDeleting, func(vm *domain.VirtualMachine) {
		vm.ActiveCommandID = cmd.CommandID
		vm.ActiveCommandType = string(cmd.Type)
	}); err != nil {
		return obligation.Retry("transition to Deleting: " + err.Error())
	}
	return waitForAck(cmd, "awaiting delete-vm ack")
}
