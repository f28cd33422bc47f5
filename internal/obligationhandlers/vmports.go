package obligationhandlers

import (
	"context"
	"strconv"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// allocatePortPayload is the type-specific body of an AllocatePort command.
type allocatePortPayload struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// handleVMAllocatePorts requests one port mapping from the node agent.
// Multi-instance safe: keyed by the distinct port carried in o.Data, so
// several instances for the same VM may be active at once (§8 property 6).
func (d Deps) handleVMAllocatePorts(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}
	if vm.NodeID == "" {
		return obligation.Retry("vm not yet scheduled")
	}

	hostPort, convErr := strconv.Atoi(o.DataValue("host_port"))
	containerPort, convErr2 := strconv.Atoi(o.DataValue("container_port"))
	if convErr != nil || convErr2 != nil {
		return obligation.Fail("malformed port allocation request")
	}
	protocol := o.DataValue("protocol")
	if protocol == "" {
		protocol = "tcp"
	}

	for _, pm := range vm.DirectAccess.PortMappings {
		if pm.HostPort == hostPort {
			return obligation.Completed("port already allocated")
		}
	}

	node, err := d.Nodes.GetNode(ctx, vm.NodeID)
	if err != nil || node.State != domain.NodeOnline {
		return obligation.Retry("node unavailable for port allocation")
	}

	if existing := o.DataValue("command_id"); existing != "" && d.Channel.Pending(existing) {
		return waitForAck(&domain.Command{CommandID: existing}, "awaiting allocate-port ack")
	}

	cmd, err := d.enqueueCommand(ctx, vm.NodeID, vm.ID, domain.CommandAllocatePort, allocatePortPayload{
		HostPort:      hostPort,
		ContainerPort: containerPort,
		Protocol:      protocol,
	})
	if err != nil {
		return obligation.Retry("enqueue allocate-port: " + err.Error())
	}
	return waitForAck(cmd, "awaiting allocate-port ack")
}
