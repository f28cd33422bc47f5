package vmlifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
)

type fakeVMRepo struct {
	mu  sync.Mutex
	vms map[string]*domain.VirtualMachine
}

func newFakeVMRepo(vms ...*domain.VirtualMachine) *fakeVMRepo {
	r := &fakeVMRepo{vms: make(map[string]*domain.VirtualMachine)}
	for _, vm := range vms {
		cp := *vm
		r.vms[vm.ID] = &cp
	}
	return r
}

func (r *fakeVMRepo) CreateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vms[vm.ID] = vm
	return nil
}

func (r *fakeVMRepo) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	cp := *vm
	return &cp, nil
}

func (r *fakeVMRepo) ListVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (r *fakeVMRepo) ListVMsByUser(ctx context.Context, userID string) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (r *fakeVMRepo) ListVMsByType(ctx context.Context, vmType domain.VMType) ([]*domain.VirtualMachine, error) {
	return nil, nil
}

func (r *fakeVMRepo) UpdateVM(ctx context.Context, id string, mutate func(*domain.VirtualMachine) error) (*domain.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[id]
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

type fakeNodeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeNodeReleaser) ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, nodeID)
	return nil
}

func (f *fakeNodeReleaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", Status: domain.VMPending}
	vms := newFakeVMRepo(vm)
	nodes := &fakeNodeReleaser{}
	m := New(vms, nodes, Config{ErrorReleaseGrace: time.Hour})

	_, err := m.Transition(context.Background(), "vm-1", domain.VMRunning, nil)
	if err == nil {
		t.Fatal("expected error for illegal transition Pending -> Running")
	}
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("kind = %v, want Conflict", domain.KindOf(err))
	}
}

func TestTransitionToDeletedReleasesImmediately(t *testing.T) {
	vm := &domain.VirtualMachine{
		ID:     "vm-1",
		NodeID: "node-1",
		Status: domain.VMRunning,
		Spec:   domain.VMSpec{ComputePointCost: 10, MemoryBytes: 1 << 30, DiskBytes: 1 << 32},
	}
	vms := newFakeVMRepo(vm)
	nodes := &fakeNodeReleaser{}
	m := New(vms, nodes, Config{ErrorReleaseGrace: time.Hour})

	if _, err := m.Transition(context.Background(), "vm-1", domain.VMStopping, nil); err != nil {
		t.Fatalf("Running -> Stopping: %v", err)
	}
	if _, err := m.Transition(context.Background(), "vm-1", domain.VMStopped, nil); err != nil {
		t.Fatalf("Stopping -> Stopped: %v", err)
	}
	if _, err := m.Transition(context.Background(), "vm-1", domain.VMDeleting, nil); err != nil {
		t.Fatalf("Stopped -> Deleting: %v", err)
	}
	if _, err := m.Transition(context.Background(), "vm-1", domain.VMDeleted, nil); err != nil {
		t.Fatalf("Deleting -> Deleted: %v", err)
	}
	if nodes.count() != 1 {
		t.Fatalf("released count = %d, want 1", nodes.count())
	}
}

func TestTransitionToErrorReleasesAfterGraceUnlessRecovered(t *testing.T) {
	vm := &domain.VirtualMachine{
		ID:     "vm-1",
		NodeID: "node-1",
		Status: domain.VMRunning,
		Spec:   domain.VMSpec{ComputePointCost: 10},
	}
	vms := newFakeVMRepo(vm)
	nodes := &fakeNodeReleaser{}
	m := New(vms, nodes, Config{ErrorReleaseGrace: 20 * time.Millisecond})

	if _, err := m.Transition(context.Background(), "vm-1", domain.VMError, nil); err != nil {
		t.Fatalf("Running -> Error: %v", err)
	}
	if nodes.count() != 0 {
		t.Fatal("release must not fire before the grace window elapses")
	}

	if _, err := m.Transition(context.Background(), "vm-1", domain.VMScheduling, nil); err != nil {
		t.Fatalf("Error -> Scheduling: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if nodes.count() != 0 {
		t.Fatal("release must be cancelled once the VM recovers from Error before the grace window elapses")
	}
}

func TestTransitionToErrorReleasesWhenGraceElapsesWithoutRecovery(t *testing.T) {
	vm := &domain.VirtualMachine{
		ID:     "vm-1",
		NodeID: "node-1",
		Status: domain.VMRunning,
		Spec:   domain.VMSpec{ComputePointCost: 10},
	}
	vms := newFakeVMRepo(vm)
	nodes := &fakeNodeReleaser{}
	m := New(vms, nodes, Config{ErrorReleaseGrace: 10 * time.Millisecond})

	if _, err := m.Transition(context.Background(), "vm-1", domain.VMError, nil); err != nil {
		t.Fatalf("Running -> Error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if nodes.count() != 1 {
		t.Fatalf("released count = %d, want 1 after grace window elapses without recovery", nodes.count())
	}
}

func TestTransitionAppliesMutateFunc(t *testing.T) {
	vm := &domain.VirtualMachine{ID: "vm-1", Status: domain.VMRunning}
	vms := newFakeVMRepo(vm)
	nodes := &fakeNodeReleaser{}
	m := New(vms, nodes, Config{ErrorReleaseGrace: time.Hour})

	updated, err := m.Transition(context.Background(), "vm-1", domain.VMError, func(vm *domain.VirtualMachine) {
		vm.StatusMessage = "node unreachable"
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.StatusMessage != "node unreachable" {
		t.Errorf("StatusMessage = %q, want %q", updated.StatusMessage, "node unreachable")
	}
}
