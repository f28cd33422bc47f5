package store

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
)

// VMRepository is the narrow interface for VM persistence and indexed
// lookup (§9 re-architecture note; §2 "indexed lookups vms-by-node,
// vms-by-user").
type VMRepository interface {
	CreateVM(ctx context.Context, vm *domain.VirtualMachine) error
	GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error)
	ListVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)
	ListVMsByUser(ctx context.Context, userID string) ([]*domain.VirtualMachine, error)
	ListVMsByType(ctx context.Context, vmType domain.VMType) ([]*domain.VirtualMachine, error)
	UpdateVM(ctx context.Context, id string, mutate func(*domain.VirtualMachine) error) (*domain.VirtualMachine, error)
}

func (s *Store) CreateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vm.ID == "" {
		vm.ID = NewID("vm")
	}
	if _, exists := s.vms[vm.ID]; exists {
		return domain.Conflict("vm %s already exists", vm.ID)
	}
	if vm.Status == "" {
		vm.Status = domain.VMPending
	}
	vm.CreatedAt = now()
	vm.UpdatedAt = now()
	vm.Version = 1
	s.vms[vm.ID] = vm
	s.indexVM(vm)

	if s.backend != nil {
		_ = s.backend.SnapshotVM(vm)
	}
	return nil
}

func (s *Store) indexVM(vm *domain.VirtualMachine) {
	if vm.NodeID != "" {
		if s.vmsByNode[vm.NodeID] == nil {
			s.vmsByNode[vm.NodeID] = make(map[string]struct{})
		}
		s.vmsByNode[vm.NodeID][vm.ID] = struct{}{}
	}
	if vm.OwnerID != "" {
		if s.vmsByUser[vm.OwnerID] == nil {
			s.vmsByUser[vm.OwnerID] = make(map[string]struct{})
		}
		s.vmsByUser[vm.OwnerID][vm.ID] = struct{}{}
	}
}

func (s *Store) reindexVM(prevNodeID string, vm *domain.VirtualMachine) {
	if prevNodeID != "" && prevNodeID != vm.NodeID {
		delete(s.vmsByNode[prevNodeID], vm.ID)
	}
	s.indexVM(vm)
}

func (s *Store) GetVM(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, ok := s.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	cp := *vm
	return &cp, nil
}

func (s *Store) ListVMsByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.vmsByNode[nodeID]
	out := make([]*domain.VirtualMachine, 0, len(ids))
	for id := range ids {
		cp := *s.vms[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListVMsByUser(ctx context.Context, userID string) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.vmsByUser[userID]
	out := make([]*domain.VirtualMachine, 0, len(ids))
	for id := range ids {
		cp := *s.vms[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListVMsByType(ctx context.Context, vmType domain.VMType) ([]*domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.VirtualMachine, 0)
	for _, id := range sortedKeys(s.vms) {
		vm := s.vms[id]
		if vm.VMType == vmType {
			cp := *vm
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateVM applies mutate under the store lock, bumps Version, and
// re-indexes if NodeID or OwnerID changed.
func (s *Store) UpdateVM(ctx context.Context, id string, mutate func(*domain.VirtualMachine) error) (*domain.VirtualMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[id]
	if !ok {
		return nil, domain.NotFound("vm %s not found", id)
	}
	prevNode := vm.NodeID
	if err := mutate(vm); err != nil {
		return nil, err
	}
	vm.Version++
	vm.UpdatedAt = now()
	s.reindexVM(prevNode, vm)

	if s.backend != nil {
		_ = s.backend.SnapshotVM(vm)
	}
	cp := *vm
	return &cp, nil
}
