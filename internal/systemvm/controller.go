// Package systemvm maintains the per-node set of infrastructure VMs (Relay,
// Dht, Ingress, BlockStore) a node's capabilities and the network's
// topology require, per §4.4. It owns both the periodic reconciliation
// loop (role eligibility, dependency gating, self-healing, failure
// backoff) and the node.deploy-system-vm obligation handler that actually
// creates the VM and hands it to the regular provisioning chain.
package systemvm

import (
	"context"
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/obligation"
	"github.com/novaproto/orchestrator/internal/store"
)

const (
	defaultInterval       = 30 * time.Second
	dhtZeroPeerGracePeriod = 2 * time.Minute
)

// NodeRepository is the node-side dependency the controller needs: CRUD
// plus the reservation primitives it uses directly when pinning an
// infrastructure VM to a specific node (bypassing internal/scheduler,
// which chooses the node for user VMs — here the node is already chosen).
type NodeRepository interface {
	store.NodeRepository
	ReserveOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error
	ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: defaultInterval}
}

// Controller reconciles every Online node's system-VM obligations on a
// fixed interval, following the autoscaler reconcile-loop shape in
// internal/autoscaler.Autoscaler: ticker, per-target evaluate, logging.
type Controller struct {
	Nodes       NodeRepository
	VMs         store.VMRepository
	Obligations store.ObligationRepository

	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(nodes NodeRepository, vms store.VMRepository, obligations store.ObligationRepository, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Controller{Nodes: nodes, VMs: vms, Obligations: obligations, cfg: cfg}
}

func (c *Controller) submit(ctx context.Context, o *domain.Obligation) error {
	return c.Obligations.CreateObligation(ctx, o)
}

// Register wires the node.deploy-system-vm handler into the engine. The
// reconcile loop itself runs independently via Start, since it is driven by
// a timer over nodes rather than the obligation graph.
func (c *Controller) Register(e *obligation.Engine) {
	e.Register(domain.TypeNodeDeploySystemVM, obligation.HandlerFunc(c.handleDeploySystemVM))
}

// Start launches the reconciliation loop in the background.
func (c *Controller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.loop(ctx)
	logging.Op().Info("system-vm controller started", "interval", c.cfg.Interval)
}

func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileAll(ctx)
		}
	}
}

func (c *Controller) reconcileAll(ctx context.Context) {
	nodes, err := c.Nodes.ListOnlineNodes(ctx)
	if err != nil {
		logging.Op().Error("system-vm: list online nodes", "error", err)
		return
	}
	for _, n := range nodes {
		c.reconcileNode(ctx, n)
	}
}

// reconcileNode runs one node through every phase of §4.4's reconciliation:
// ensure obligations exist for eligible roles, then step each existing
// obligation forward by one phase transition per tick.
func (c *Controller) reconcileNode(ctx context.Context, node *domain.Node) {
	if err := c.ensureObligations(ctx, node); err != nil {
		logging.Op().Warn("system-vm: ensure obligations", "node", node.ID, "error", err)
		return
	}

	node, err := c.Nodes.GetNode(ctx, node.ID)
	if err != nil {
		return
	}
	for i := range node.SystemVMObligations {
		c.stepObligation(ctx, node.ID, node.SystemVMObligations[i].Role)
	}
}

// ensureObligations appends a Pending entry for every eligible role the
// node doesn't already track (§4.4 step 1). A DHT or Relay role whose VM id
// is already recorded in DHT.DHTVMID/Relay.RelayVMID (set by syncRoleInfo
// when that role's VM became Active) is adopted as Active instead. The
// datastore is not scanned for other existing system VMs.
func (c *Controller) ensureObligations(ctx context.Context, node *domain.Node) error {
	roles := requiredRoles(node)
	missing := make([]domain.SystemVMRole, 0, len(roles))
	for _, role := range roles {
		if node.SystemVMObligationFor(role) == nil {
			missing = append(missing, role)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	_, err := c.Nodes.UpdateNode(ctx, node.ID, func(n *domain.Node) error {
		for _, role := range missing {
			if n.SystemVMObligationFor(role) != nil {
				continue
			}
			entry := domain.SystemVMObligation{Role: role, Status: domain.SysVMPending}
			if role == domain.RoleDHT && n.DHT.DHTVMID != "" {
				entry.VMID = n.DHT.DHTVMID
				entry.Status = domain.SysVMActive
			}
			if role == domain.RoleRelay && n.Relay.RelayVMID != "" {
				entry.VMID = n.Relay.RelayVMID
				entry.Status = domain.SysVMActive
			}
			n.SystemVMObligations = append(n.SystemVMObligations, entry)
		}
		return nil
	})
	return err
}

// stepObligation advances one role's obligation on one node by exactly one
// phase, per §4.4 steps 2-5. It re-fetches the node and the role's entry
// fresh, since ensureObligations or a prior role's step in the same tick
// may have mutated the node.
func (c *Controller) stepObligation(ctx context.Context, nodeID string, role domain.SystemVMRole) {
	node, err := c.Nodes.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	entry := node.SystemVMObligationFor(role)
	if entry == nil {
		return
	}

	switch entry.Status {
	case domain.SysVMPending:
		c.tryDeploy(ctx, node, role, *entry)
	case domain.SysVMDeploying:
		c.pollDeploying(ctx, node, role, *entry)
	case domain.SysVMActive:
		c.selfHeal(ctx, node, role, *entry)
	case domain.SysVMFailed:
		c.retryFailed(ctx, node, role, *entry)
	}
}

// tryDeploy moves Pending → Deploying by submitting node.deploy-system-vm,
// gated by the dependency DAG and the CGNAT guard.
func (c *Controller) tryDeploy(ctx context.Context, node *domain.Node, role domain.SystemVMRole, entry domain.SystemVMObligation) {
	if !dependenciesMet(role, node) {
		return
	}
	if cgnatBlocksDeploy(role, node) {
		return
	}

	obl := &domain.Obligation{
		Type:         domain.TypeNodeDeploySystemVM,
		ResourceType: "node",
		ResourceID:   node.ID,
		Priority:     5,
		Data:         map[string]string{"role": string(role)},
	}
	if err := c.submit(ctx, obl); err != nil {
		logging.Op().Warn("system-vm: submit deploy obligation", "node", node.ID, "role", role, "error", err)
		return
	}

	c.updateEntry(ctx, node.ID, role, func(e *domain.SystemVMObligation) {
		e.Status = domain.SysVMDeploying
	})
}

// pollDeploying moves Deploying → Active once the underlying VM reports
// Running, syncing the node's role-info status alongside it.
func (c *Controller) pollDeploying(ctx context.Context, node *domain.Node, role domain.SystemVMRole, entry domain.SystemVMObligation) {
	if entry.VMID == "" {
		return
	}
	vm, err := c.VMs.GetVM(ctx, entry.VMID)
	if err != nil {
		c.markFailed(ctx, node.ID, role, "vm lookup failed: "+err.Error())
		return
	}
	switch vm.Status {
	case domain.VMRunning:
		now := time.Now()
		c.updateEntry(ctx, node.ID, role, func(e *domain.SystemVMObligation) {
			e.Status = domain.SysVMActive
			e.ActiveAt = &now
			e.FailureCount = 0
		})
		c.syncRoleInfo(ctx, node.ID, role, entry.VMID, string(domain.SysVMActive))
	case domain.VMError:
		c.markFailed(ctx, node.ID, role, vm.StatusMessage)
	}
}

// selfHeal verifies an Active role's VM is still healthy, redeploying on
// loss or on the DHT-specific staleness conditions (§4.4 step 4).
func (c *Controller) selfHeal(ctx context.Context, node *domain.Node, role domain.SystemVMRole, entry domain.SystemVMObligation) {
	vm, err := c.VMs.GetVM(ctx, entry.VMID)
	if err != nil {
		c.resetToPending(ctx, node.ID, role, "vm missing")
		return
	}
	if vm.Status == domain.VMError {
		c.markFailed(ctx, node.ID, role, vm.StatusMessage)
		return
	}
	if role != domain.RoleDHT {
		return
	}

	now := time.Now()
	staleZeroPeers := node.DHT.BootstrapPeerCount == 0 &&
		node.DHT.ZeroPeersSince != nil &&
		now.Sub(*node.DHT.ZeroPeersSince) >= dhtZeroPeerGracePeriod
	ipMismatch := node.DHT.AdvertisedIP != "" && node.DHT.AdvertisedIP != advertiseIP(node)
	if staleZeroPeers || ipMismatch {
		c.resetToPending(ctx, node.ID, role, "dht stale, redeploying")
	}
}

// retryFailed waits out the exponential backoff then, after releasing the
// failed VM's reservation, resets the role to Pending so tryDeploy issues a
// fresh deploy on a later tick (§4.4 step 5).
func (c *Controller) retryFailed(ctx context.Context, node *domain.Node, role domain.SystemVMRole, entry domain.SystemVMObligation) {
	if time.Now().Before(entry.NextAttempt) {
		return
	}
	if entry.VMID != "" {
		if vm, err := c.VMs.GetVM(ctx, entry.VMID); err == nil && vm.Status == domain.VMError {
			if _, err := c.VMs.UpdateVM(ctx, entry.VMID, func(vm *domain.VirtualMachine) error {
				vm.Status = domain.VMDeleting
				return nil
			}); err == nil {
				_ = c.Nodes.ReleaseOnNode(ctx, vm.NodeID, vm.Spec.ComputePointCost, vm.Spec.MemoryBytes, vm.Spec.DiskBytes)
			}
		}
	}
	c.updateEntry(ctx, node.ID, role, func(e *domain.SystemVMObligation) {
		e.Status = domain.SysVMPending
		e.VMID = ""
	})
}

func (c *Controller) markFailed(ctx context.Context, nodeID string, role domain.SystemVMRole, reason string) {
	c.updateEntry(ctx, nodeID, role, func(e *domain.SystemVMObligation) {
		e.FailureCount++
		e.Status = domain.SysVMFailed
		e.LastError = reason
		e.NextAttempt = time.Now().Add(domain.SystemVMBackoff(e.FailureCount))
	})
}

func (c *Controller) resetToPending(ctx context.Context, nodeID string, role domain.SystemVMRole, reason string) {
	c.updateEntry(ctx, nodeID, role, func(e *domain.SystemVMObligation) {
		e.Status = domain.SysVMPending
		e.VMID = ""
		e.LastError = reason
	})
}

func (c *Controller) syncRoleInfo(ctx context.Context, nodeID string, role domain.SystemVMRole, vmID, status string) {
	_, _ = c.Nodes.UpdateNode(ctx, nodeID, func(n *domain.Node) error {
		switch role {
		case domain.RoleRelay:
			n.Relay.RelayVMID = vmID
			n.Relay.Status = status
		case domain.RoleDHT:
			n.DHT.DHTVMID = vmID
			n.DHT.Status = status
		}
		return nil
	})
}

func (c *Controller) updateEntry(ctx context.Context, nodeID string, role domain.SystemVMRole, mutate func(*domain.SystemVMObligation)) {
	_, err := c.Nodes.UpdateNode(ctx, nodeID, func(n *domain.Node) error {
		if e := n.SystemVMObligationFor(role); e != nil {
			mutate(e)
		}
		return nil
	})
	if err != nil {
		logging.Op().Warn("system-vm: update obligation entry", "node", nodeID, "role", role, "error", err)
	}
}

// advertiseIP is the address DHT/relay peers should use to reach this node:
// its public IP directly, or the CGNAT overlay tunnel IP when behind CGNAT.
func advertiseIP(node *domain.Node) string {
	if node.CGNAT.Behind {
		return node.CGNAT.TunnelIP
	}
	return node.PublicIP
}
