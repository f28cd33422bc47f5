package obligationhandlers

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/external"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// handleVMRegisterIngress pushes the VM's subdomain route to the ingress
// tier. Idempotent full-config upload model (§6), so a retry simply
// re-applies the same route.
func (d Deps) handleVMRegisterIngress(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}
	if vm.IngressConfig.Subdomain == "" {
		return obligation.Completed("no ingress requested")
	}
	if vm.NodeID == "" {
		return obligation.Retry("vm not yet scheduled")
	}
	node, err := d.Nodes.GetNode(ctx, vm.NodeID)
	if err != nil {
		return obligation.Retry("load node: " + err.Error())
	}

	port := 0
	for _, pm := range vm.DirectAccess.PortMappings {
		if pm.ContainerPort == 80 || pm.ContainerPort == 8080 {
			port = pm.HostPort
			break
		}
	}
	if port == 0 && len(vm.DirectAccess.PortMappings) > 0 {
		port = vm.DirectAccess.PortMappings[0].HostPort
	}

	route := external.IngressRoute{
		Subdomain:    vm.IngressConfig.Subdomain,
		CustomDomain: vm.IngressConfig.CustomDomain,
		TargetNodeIP: node.PublicIP,
		TargetPort:   port,
		VMID:         vm.ID,
	}
	if err := d.Ingress.ApplyRoutes(ctx, []external.IngressRoute{route}); err != nil {
		if domain.KindOf(err) == domain.KindTransientExternal {
			return obligation.Retry(err.Error())
		}
		return obligation.Fail(err.Error())
	}
	return obligation.Completed("ingress route applied")
}
