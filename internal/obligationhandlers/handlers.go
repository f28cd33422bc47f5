// Package obligationhandlers implements the per-type reconciliation handlers
// the obligation engine (internal/obligation) dispatches: vm.schedule,
// vm.provision, vm.delete, vm.register-ingress, vm.allocate-ports,
// vm.reschedule, vm.compensate-reservation, stat.update, and
// custom-domain.verify (§4.1, §4.2, §9 supplemented features). node.deploy-
// system-vm lives in internal/systemvm and billing.settle-batch in
// internal/billing, since both own enough state machinery of their own to
// warrant a dedicated package rather than a handler func here.
package obligationhandlers

import (
	"context"
	"encoding/json"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/external"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/obligation"
	"github.com/novaproto/orchestrator/internal/scheduler"
	"github.com/novaproto/orchestrator/internal/secrets"
	"github.com/novaproto/orchestrator/internal/store"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

// NodeRepository is the node-side dependency handlers in this package need:
// the standard CRUD repository plus ReleaseOnNode, used directly by
// vm.reschedule and vm.compensate-reservation to reverse a scheduler
// reservation (ReserveOnNode itself is only ever called through
// internal/scheduler, never directly by a handler).
type NodeRepository interface {
	store.NodeRepository
	ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error
}

// Deps are the collaborators every handler in this package is built from.
// A single instance is shared across all registered handlers, following the
// convention of one shared store handle per engine used by internal/
// workflow.Engine, which holds one *store.Store rather than per-handler
// copies.
type Deps struct {
	VMs        store.VMRepository
	Nodes      NodeRepository
	Commands   store.CommandRepository
	Obligations store.ObligationRepository
	Channel    *nodechannel.Channel
	Scheduler  *scheduler.Scheduler
	Lifecycle  *vmlifecycle.Manager
	Ingress    external.IngressConfigApplier

	// IngressDomainSuffix is appended to a VM's subdomain to build the CNAME
	// target custom-domain.verify checks for (e.g. "vm-1" ->
	// "vm-1.apps.example.net").
	IngressDomainSuffix string

	// SecretResolver resolves a VM's UserData when an owner set it to a bare
	// "$SECRET:name" reference instead of a literal value, looking it up in
	// the encrypted secrets store before the CreateVm command ever leaves
	// the control plane. Nil when the secrets store is disabled, in which
	// case UserData is sent through unresolved.
	SecretResolver *secrets.Resolver
}

// Register builds every handler in this package and registers it with the
// engine under its obligation type.
func Register(e *obligation.Engine, d Deps) {
	e.Register(domain.TypeVMSchedule, obligation.HandlerFunc(d.handleVMSchedule))
	e.Register(domain.TypeVMProvision, obligation.HandlerFunc(d.handleVMProvision))
	e.Register(domain.TypeVMDelete, obligation.HandlerFunc(d.handleVMDelete))
	e.Register(domain.TypeVMRegisterIngress, obligation.HandlerFunc(d.handleVMRegisterIngress))
	e.Register(domain.TypeVMAllocatePorts, obligation.HandlerFunc(d.handleVMAllocatePorts))
	e.Register(domain.TypeVMReschedule, obligation.HandlerFunc(d.handleVMReschedule))
	e.Register(domain.TypeVMCompensate, obligation.HandlerFunc(d.handleVMCompensate))
	e.Register(domain.TypeStatUpdate, obligation.HandlerFunc(d.handleStatUpdate))
	e.Register(domain.TypeCustomDomainVerify, obligation.HandlerFunc(d.handleCustomDomainVerify))
}

// commandPayload marshals a command's type-specific body, panicking only on
// a programmer error (an un-marshalable literal), never on caller input.
func commandPayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("obligationhandlers: payload marshal: " + err.Error())
	}
	return b
}

// enqueueCommand records and enqueues a node command, returning the
// NodeCommand and the signal key an obligation should wait on for its ack.
func (d Deps) enqueueCommand(ctx context.Context, nodeID, resourceID string, cmdType domain.CommandType, payload any) (*domain.Command, error) {
	cmd := &domain.Command{
		CommandID:        store.NewID("cmd"),
		Type:             cmdType,
		TargetResourceID: resourceID,
		NodeID:           nodeID,
		Payload:          commandPayload(payload),
		RequiresAck:      true,
	}
	if err := d.Channel.Enqueue(nodeID, cmd); err != nil {
		return nil, err
	}
	if err := d.Commands.RecordCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

const commandAckWaitSeconds = int64(domain.DefaultCommandExpiry / 1_000_000_000)

func waitForAck(cmd *domain.Command, reason string) obligation.Result {
	return obligation.WaitForSignal(
		domain.SignalKeyForCommandAck(cmd.CommandID),
		commandAckWaitSeconds,
		reason,
		map[string]string{"command_id": cmd.CommandID},
	)
}
