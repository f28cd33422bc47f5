package systemvm

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
	"github.com/novaproto/orchestrator/internal/store"
)

// systemVMCores/MemoryBytes/DiskBytes size every infrastructure VM; unlike
// user VMs these are not owner-chosen, so one fixed footprint per role is
// enough (§4.4 does not specify per-role sizing beyond the point cost).
const (
	systemVMCores       = 1
	systemVMMemoryBytes = 1 << 30
	systemVMDiskBytes   = 8 << 30
)

// handleDeploySystemVM creates the infrastructure VM for one node/role pair,
// reserves its fixed point cost on that node, and spawns vm.provision for it
// directly (§4.4 step 2 "deploy"); vm.schedule, which picks a node for user
// VMs, is not used. Idempotent: if the node's obligation
// entry already references a non-terminal VM, this is a no-op.
func (c *Controller) handleDeploySystemVM(ctx context.Context, o *domain.Obligation) obligation.Result {
	role := domain.SystemVMRole(o.DataValue("role"))
	nodeID := o.ResourceID

	node, err := c.Nodes.GetNode(ctx, nodeID)
	if err != nil {
		return obligation.Fail("node not found: " + err.Error())
	}

	entry := node.SystemVMObligationFor(role)
	if entry == nil {
		return obligation.Fail("no system-vm obligation recorded for role " + string(role))
	}
	if entry.VMID != "" {
		if vm, err := c.VMs.GetVM(ctx, entry.VMID); err == nil && !vm.Status.Terminal() {
			return obligation.Completed("system vm already deployed for role " + string(role))
		}
	}

	cost := pointCost[role]
	if err := c.Nodes.ReserveOnNode(ctx, nodeID, cost, systemVMMemoryBytes, systemVMDiskBytes); err != nil {
		return obligation.Retry("reserve node capacity: " + err.Error())
	}

	// The node is pinned by the controller, not chosen by the scheduler, so
	// the VM is created already Scheduling and hands straight to
	// vm.provision — vm.schedule (which picks a node) is bypassed entirely.
	vm := &domain.VirtualMachine{
		ID:     store.NewID("vm"),
		Name:   string(role) + "-" + nodeID,
		VMType: roleToVMType(role),
		NodeID: nodeID,
		Status: domain.VMScheduling,
		Spec: domain.VMSpec{
			VirtualCPUCores:  systemVMCores,
			MemoryBytes:      systemVMMemoryBytes,
			DiskBytes:        systemVMDiskBytes,
			QualityTier:      domain.TierStandard,
			ComputePointCost: cost,
			Region:           node.Region,
			Zone:             node.Zone,
			UserData:         cloudInitFor(role, node),
		},
	}
	if err := c.VMs.CreateVM(ctx, vm); err != nil {
		_ = c.Nodes.ReleaseOnNode(ctx, nodeID, cost, systemVMMemoryBytes, systemVMDiskBytes)
		return obligation.Retry("create system vm: " + err.Error())
	}

	if _, err := c.Nodes.UpdateNode(ctx, nodeID, func(n *domain.Node) error {
		if e := n.SystemVMObligationFor(role); e != nil {
			e.VMID = vm.ID
			e.Status = domain.SysVMDeploying
		}
		return nil
	}); err != nil {
		return obligation.Retry("record deploying vm id: " + err.Error())
	}

	provision := &domain.Obligation{
		Type:         domain.TypeVMProvision,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     o.Priority,
	}
	return obligation.CompletedWithChildren([]*domain.Obligation{provision}, "system vm reserved, entering provisioning")
}

func roleToVMType(role domain.SystemVMRole) domain.VMType {
	switch role {
	case domain.RoleRelay:
		return domain.VMTypeRelay
	case domain.RoleDHT:
		return domain.VMTypeDht
	case domain.RoleIngress:
		return domain.VMTypeIngress
	case domain.RoleBlockStore:
		return domain.VMTypeBlockStore
	default:
		return domain.VMTypeUser
	}
}

// cloudInitFor bakes in the one cross-role dependency that matters here:
// Dht's cloud-init carries the node's relay overlay key when a Relay is
// already active on the same node (§1 scenario D "Dht deploys with relay's
// overlay key baked into cloud-init").
func cloudInitFor(role domain.SystemVMRole, node *domain.Node) string {
	if role != domain.RoleDHT {
		return ""
	}
	if node.Relay.RelayVMID == "" || node.Relay.Status != string(domain.SysVMActive) {
		return ""
	}
	return "relay_vm_id=" + node.Relay.RelayVMID
}
