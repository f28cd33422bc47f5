package obligationhandlers

import (
	"context"
	"encoding/json"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/store"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

// ApplyCommandResult applies an agent's ack to its target VM (§4.3 step 2:
// "Apply result to target entity... on CreateVm ack: set VM to Running,
// populate accessInfo, networkConfig.privateIp"). Called from the
// acknowledge HTTP endpoint before the channel fires the commandAck signal,
// so the obligation handler that resumes on that signal only ever needs to
// read the VM's new status back — it never touches the ack payload itself.
func ApplyCommandResult(ctx context.Context, vms store.VMRepository, lifecycle *vmlifecycle.Manager, cmd *domain.Command, ack domain.CommandAck) error {
	vm, err := vms.GetVM(ctx, cmd.TargetResourceID)
	if err != nil {
		return err
	}

	clearActiveCommand := func(vm *domain.VirtualMachine) {
		if vm.ActiveCommandID == cmd.CommandID {
			vm.ActiveCommandID = ""
			vm.ActiveCommandType = ""
			vm.ActiveCommandIssuedAt = nil
		}
	}

	if !ack.Success {
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMError, func(vm *domain.VirtualMachine) {
			vm.StatusMessage = ack.ErrorMessage
			clearActiveCommand(vm)
		})
		return err
	}

	switch cmd.Type {
	case domain.CommandCreateVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMRunning, func(vm *domain.VirtualMachine) {
			vm.PowerState = domain.PowerOn
			if ip, ok := ack.ResultData["private_ip"].(string); ok {
				vm.NetworkConfig.PrivateIP = ip
			}
			if host, ok := ack.ResultData["ssh_host"].(string); ok {
				vm.AccessInfo.SSHHost = host
			}
			clearActiveCommand(vm)
		})
		return err
	case domain.CommandDeleteVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMDeleted, clearActiveCommand)
		return err
	case domain.CommandStopVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMStopped, func(vm *domain.VirtualMachine) {
			vm.PowerState = domain.PowerOff
			clearActiveCommand(vm)
		})
		return err
	case domain.CommandStartVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMRunning, func(vm *domain.VirtualMachine) {
			vm.PowerState = domain.PowerOn
			clearActiveCommand(vm)
		})
		return err
	case domain.CommandPauseVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMPaused, func(vm *domain.VirtualMachine) {
			vm.PowerState = domain.PowerPaused
			clearActiveCommand(vm)
		})
		return err
	case domain.CommandResumeVM:
		_, err := lifecycle.Transition(ctx, vm.ID, domain.VMRunning, func(vm *domain.VirtualMachine) {
			vm.PowerState = domain.PowerOn
			clearActiveCommand(vm)
		})
		return err
	case domain.CommandRestartVM:
		// A restart power-cycles the VM at the hypervisor without leaving
		// Running at the orchestrator level (§3 VM lifecycle has no
		// intermediate status for it).
		_, err := vms.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			vm.PowerState = domain.PowerOn
			clearActiveCommand(vm)
			return nil
		})
		return err
	case domain.CommandAllocatePort:
		var payload allocatePortPayload
		_ = json.Unmarshal(cmd.Payload, &payload)
		_, err := vms.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			vm.DirectAccess.PortMappings = append(vm.DirectAccess.PortMappings, domain.PortMapping{
				HostPort:      payload.HostPort,
				ContainerPort: payload.ContainerPort,
				Protocol:      payload.Protocol,
			})
			clearActiveCommand(vm)
			return nil
		})
		return err
	default:
		_, err := vms.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			clearActiveCommand(vm)
			return nil
		})
		return err
	}
}
