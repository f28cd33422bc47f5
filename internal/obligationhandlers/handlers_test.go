package obligationhandlers

import (
	"context"
	"sync"
	"testing"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/scheduler"
	"github.com/novaproto/orchestrator/internal/signalbus"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

type fakeVMs struct {
	mu  sync.Mutex
	vms map[string]*domain.VirtualMachine
}

func newFakeVMs(vms ...*domain.VirtualMachine) *fakeVMs {
	f := &fakeVMs{vms: make(map[string]*domain.VirtualMachine)}
	for _, vm := range vms {
		cp := *vm
		f.vms[vm.ID] = &cp
	}
	return f
}

func (f *fakeVMs) CreateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[vm.ID] = vm
	return nil
}

func (f *fakeVMs) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	cp := *vm
	return &cp, nil
}

func (f *fakeVMs) ListVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.VirtualMachine
	for _, vm := range f.vms {
		if vm.NodeID == nodeID {
			cp := *vm
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeVMs) ListVMsByUser(ctx context.Context, userID string) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (f *fakeVMs) ListVMsByType(ctx context.Context, vmType domain.VMType) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (f *fakeVMs) UpdateVM(ctx context.Context, id string, mutate func(*domain.VirtualMachine) error) (*domain.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	if err := mutate(vm); err != nil {
		return nil, err
	}
	vm.Version++
	cp := *vm
	return &cp, nil
}

func (f *fakeVMs) get(id string) *domain.VirtualMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vms[id]
}

type fakeNodes struct {
	mu    sync.Mutex
	nodes map[string]*domain.Node
}

func newFakeNodes(nodes ...*domain.Node) *fakeNodes {
	f := &fakeNodes{nodes: make(map[string]*domain.Node)}
	for _, n := range nodes {
		cp := *n
		f.nodes[n.ID] = &cp
	}
	return f
}

func (f *fakeNodes) CreateNode(ctx context.Context, n *domain.Node) error { return nil }

func (f *fakeNodes) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodes) ListNodes(ctx context.Context) ([]*domain.Node, error) { return nil, nil }

func (f *fakeNodes) ListOnlineNodes(ctx context.Context) ([]*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Node
	for _, n := range f.nodes {
		if n.State == domain.NodeOnline {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeNodes) UpdateNode(ctx context.Context, id string, mutate func(*domain.Node) error) (*domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	if err := mutate(n); err != nil {
		return nil, err
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodes) DeleteNode(ctx context.Context, id string) error { return nil }

func (f *fakeNodes) ReserveOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return domain.NotFound("node %s not found", nodeID)
	}
	n.Reserved.ComputePoints += points
	n.Reserved.MemoryBytes += memoryBytes
	n.Reserved.StorageBytes += storageBytes
	return nil
}

func (f *fakeNodes) ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil
	}
	n.Reserved.ComputePoints -= points
	n.Reserved.MemoryBytes -= memoryBytes
	n.Reserved.StorageBytes -= storageBytes
	return nil
}

type fakeCommands struct {
	mu       sync.Mutex
	recorded []*domain.Command
}

func (f *fakeCommands) RecordCommand(ctx context.Context, c *domain.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, c)
	return nil
}

func (f *fakeCommands) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	return nil, domain.NotFound("command %s not found", id)
}

func (f *fakeCommands) MarkCommandAcked(ctx context.Context, id string) error { return nil }

func testDeps(vms *fakeVMs, nodes *fakeNodes) Deps {
	bus := signalbus.New()
	return Deps{
		VMs:       vms,
		Nodes:     nodes,
		Commands:  &fakeCommands{},
		Channel:   nodechannel.New(bus, nodechannel.DefaultConfig()),
		Scheduler: scheduler.New(nodes, scheduler.Weights{}),
		Lifecycle: vmlifecycle.New(vms, nodes, vmlifecycle.Config{}),
	}
}

func onlineNode(id string) *domain.Node {
	return &domain.Node{
		ID:         id,
		State:      domain.NodeOnline,
		Region:     "us-east",
		Hardware:   domain.HardwareInventory{NATType: domain.NATNone},
		Evaluation: domain.PerformanceEvaluation{AllowedTiers: []domain.QualityTier{domain.TierStandard}},
		Total:      domain.ResourceCounters{ComputePoints: 100, MemoryBytes: 16 << 30, StorageBytes: 100 << 30},
	}
}

func pendingVM(id, nodeID string) *domain.VirtualMachine {
	return &domain.VirtualMachine{
		ID:     id,
		NodeID: nodeID,
		Status: domain.VMPending,
		VMType: domain.VMTypeUser,
		Spec: domain.VMSpec{
			VirtualCPUCores: 2,
			MemoryBytes:     2 << 30,
			QualityTier:     domain.TierStandard,
			Region:          "us-east",
		},
	}
}

func TestHandleVMScheduleReservesAndSpawnsProvision(t *testing.T) {
	vm := pendingVM("vm-1", "")
	vms := newFakeVMs(vm)
	nodes := newFakeNodes(onlineNode("node-1"))
	d := testDeps(vms, nodes)

	o := &domain.Obligation{ID: "o-1", Type: domain.TypeVMSchedule, ResourceID: "vm-1", Priority: 5}
	result := d.handleVMSchedule(context.Background(), o)

	if !result.IsCompleted() {
		t.Fatalf("expected a completed result")
	}
	children := result.Children()
	if len(children) != 1 || children[0].Type != domain.TypeVMProvision {
		t.Fatalf("children = %+v, want one vm.provision", children)
	}

	updated := vms.get("vm-1")
	if updated.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", updated.NodeID)
	}
}

func TestHandleVMProvisionIssuesCreateVMAndWaits(t *testing.T) {
	vm := pendingVM("vm-1", "node-1")
	vm.Status = domain.VMScheduling
	vm.NodeID = "node-1"
	vms := newFakeVMs(vm)
	nodes := newFakeNodes(onlineNode("node-1"))
	d := testDeps(vms, nodes)

	o := &domain.Obligation{ID: "o-2", Type: domain.TypeVMProvision, ResourceID: "vm-1", Priority: 5}
	result := d.handleVMProvision(context.Background(), o)

	if !result.IsWaitForSignal() {
		t.Fatalf("expected WaitForSignal result")
	}
	updated := vms.get("vm-1")
	if updated.Status != domain.VMProvisioning {
		t.Errorf("Status = %v, want Provisioning", updated.Status)
	}
	if updated.ActiveCommandID == "" {
		t.Error("expected ActiveCommandID to be set")
	}
}

func TestHandleVMProvisionCompletesWhenAlreadyRunning(t *testing.T) {
	vm := pendingVM("vm-1", "node-1")
	vm.Status = domain.VMRunning
	vms := newFakeVMs(vm)
	nodes := newFakeNodes(onlineNode("node-1"))
	d := testDeps(vms, nodes)

	o := &domain.Obligation{ID: "o-3", Type: domain.TypeVMProvision, ResourceID: "vm-1"}
	result := d.handleVMProvision(context.Background(), o)
	if !result.IsCompleted() {
		t.Fatalf("expected Completed result for already-running vm")
	}
}

func TestHandleVMDeleteReleasesUnscheduledVMDirectly(t *testing.T) {
	vm := pendingVM("vm-1", "")
	vms := newFakeVMs(vm)
	nodes := newFakeNodes()
	d := testDeps(vms, nodes)

	o := &domain.Obligation{ID: "o-4", Type: domain.TypeVMDelete, ResourceID: "vm-1"}
	result := d.handleVMDelete(context.Background(), o)
	if !result.IsCompleted() {
		t.Fatalf("expected Completed result")
	}
	if vms.get("vm-1").Status != domain.VMDeleted {
		t.Errorf("Status = %v, want Deleted", vms.get("vm-1").Status)
	}
}
