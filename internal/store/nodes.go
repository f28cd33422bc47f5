package store

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
)

// NodeRepository is the narrow interface other components depend on,
// keeping them decoupled from the concrete Store (§9 re-architecture note:
// "repository interface per entity kind with explicit queries").
type NodeRepository interface {
	CreateNode(ctx context.Context, n *domain.Node) error
	GetNode(ctx context.Context, id string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	ListOnlineNodes(ctx context.Context) ([]*domain.Node, error)
	UpdateNode(ctx context.Context, id string, mutate func(*domain.Node) error) (*domain.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

func (s *Store) CreateNode(ctx context.Context, n *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = NewID("node")
	}
	if _, exists := s.nodes[n.ID]; exists {
		return domain.Conflict("node %s already exists", n.ID)
	}
	n.RegisteredAt = now()
	n.LastHeartbeatAt = now()
	if n.State == "" {
		n.State = domain.NodeRegistering
	}
	n.Version = 1
	s.nodes[n.ID] = n

	if s.backend != nil {
		_ = s.backend.SnapshotNode(n)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Node, 0, len(s.nodes))
	for _, id := range sortedKeys(s.nodes) {
		cp := *s.nodes[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListOnlineNodes(ctx context.Context) ([]*domain.Node, error) {
	all, _ := s.ListNodes(ctx)
	out := make([]*domain.Node, 0, len(all))
	for _, n := range all {
		if n.State == domain.NodeOnline {
			out = append(out, n)
		}
	}
	return out, nil
}

// UpdateNode applies mutate under the store lock and bumps Version. The
// whole store shares one mutex, so mutate always runs against the current
// in-memory node rather than a stale copy — there's no separate CAS
// failure mode for callers to retry on; Version exists for durability
// snapshots and API responses, not for conflict detection.
func (s *Store) UpdateNode(ctx context.Context, id string, mutate func(*domain.Node) error) (*domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, domain.NotFound("node %s not found", id)
	}
	if err := mutate(n); err != nil {
		return nil, err
	}
	n.Version++
	if s.backend != nil {
		_ = s.backend.SnapshotNode(n)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return domain.NotFound("node %s not found", id)
	}
	delete(s.nodes, id)
	delete(s.vmsByNode, id)
	return nil
}

// ReserveOnNode atomically increments a node's reserved resource counters
// after the scheduler's filtering/scoring has picked it (§4.2 "Reservation").
// Returns a domain.Conflict if insufficient headroom remains (re-checked
// under the lock to close the filter-then-reserve race).
func (s *Store) ReserveOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return domain.NotFound("node %s not found", nodeID)
	}
	if n.AvailablePoints() < points || n.AvailableMemory() < memoryBytes || n.AvailableStorage() < storageBytes {
		return domain.Conflict("insufficient capacity on node %s", nodeID)
	}
	n.Reserved.ComputePoints += points
	n.Reserved.MemoryBytes += memoryBytes
	n.Reserved.StorageBytes += storageBytes
	n.Version++
	if s.backend != nil {
		_ = s.backend.SnapshotNode(n)
	}
	return nil
}

// ReleaseOnNode reverses a prior ReserveOnNode, used on VM terminal
// transitions and lost-node declarations (§4.2 "Reservations are released
// when the VM reaches a terminal state... or when the node is declared
// lost").
func (s *Store) ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil // node already gone; nothing to release
	}
	n.Reserved.ComputePoints = clampNonNegative(n.Reserved.ComputePoints - points)
	n.Reserved.MemoryBytes = clampNonNegative(n.Reserved.MemoryBytes - memoryBytes)
	n.Reserved.StorageBytes = clampNonNegative(n.Reserved.StorageBytes - storageBytes)
	n.Version++
	if s.backend != nil {
		_ = s.backend.SnapshotNode(n)
	}
	return nil
}

// NodeSecret returns a node's HMAC shared secret, implementing
// auth.NodeSecretLookup without pulling the full NodeRepository surface
// into the auth package.
func (s *Store) NodeSecret(ctx context.Context, nodeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return "", domain.NotFound("node %s not found", nodeID)
	}
	return n.Secret, nil
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
