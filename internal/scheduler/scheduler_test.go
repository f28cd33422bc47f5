package scheduler

import (
	"context"
	"testing"

	"github.com/novaproto/orchestrator/internal/domain"
)

type fakeNodeRepo struct {
	nodes     []*domain.Node
	reserved  map[string][3]int64
	reserveErr error
}

func (f *fakeNodeRepo) ListOnlineNodes(ctx context.Context) ([]*domain.Node, error) {
	return f.nodes, nil
}

func (f *fakeNodeRepo) ReserveOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	if f.reserved == nil {
		f.reserved = map[string][3]int64{}
	}
	f.reserved[nodeID] = [3]int64{points, memoryBytes, storageBytes}
	for _, n := range f.nodes {
		if n.ID == nodeID {
			n.Reserved.ComputePoints += points
			n.Reserved.MemoryBytes += memoryBytes
			n.Reserved.StorageBytes += storageBytes
		}
	}
	return nil
}

func onlineNode(id, region string, points, memory, storage int64) *domain.Node {
	return &domain.Node{
		ID:     id,
		Region: region,
		State:  domain.NodeOnline,
		Total:  domain.ResourceCounters{ComputePoints: points, MemoryBytes: memory, StorageBytes: storage},
		Evaluation: domain.PerformanceEvaluation{
			BenchmarkScore: BaselineBenchmark,
			AllowedTiers:   []domain.QualityTier{domain.TierStandard, domain.TierBurstable, domain.TierPremium},
		},
		Reputation: domain.Reputation{UptimePercent: 99, SuccessRate: 0.98},
	}
}

func standardVM(region string, cores int) *domain.VirtualMachine {
	return &domain.VirtualMachine{
		ID: "vm-1",
		Spec: domain.VMSpec{
			VirtualCPUCores: cores,
			MemoryBytes:     2 << 30,
			DiskBytes:       10 << 30,
			QualityTier:     domain.TierStandard,
			Region:          region,
		},
	}
}

func TestScheduleNoOnlineNodesReturnsRetryableError(t *testing.T) {
	repo := &fakeNodeRepo{}
	sch := New(repo, DefaultWeights())

	_, err := sch.Schedule(context.Background(), standardVM("us-east", 2), false)
	if err == nil {
		t.Fatal("expected error with zero nodes")
	}
	if domain.KindOf(err) != domain.KindTransientExternal {
		t.Errorf("error kind = %v, want TransientExternal (retryable)", domain.KindOf(err))
	}
}

func TestScheduleFiltersOnRegion(t *testing.T) {
	repo := &fakeNodeRepo{nodes: []*domain.Node{
		onlineNode("n-west", "us-west", 100, 16<<30, 500<<30),
	}}
	sch := New(repo, DefaultWeights())

	_, err := sch.Schedule(context.Background(), standardVM("us-east", 2), false)
	if err == nil {
		t.Fatal("expected no suitable node due to region mismatch")
	}
}

func TestScheduleFiltersOnCapacity(t *testing.T) {
	repo := &fakeNodeRepo{nodes: []*domain.Node{
		onlineNode("n-small", "us-east", 1, 1<<20, 1<<20),
	}}
	sch := New(repo, DefaultWeights())

	_, err := sch.Schedule(context.Background(), standardVM("us-east", 4), false)
	if err == nil {
		t.Fatal("expected no suitable node due to insufficient capacity")
	}
}

func TestScheduleReservesOnChosenNode(t *testing.T) {
	repo := &fakeNodeRepo{nodes: []*domain.Node{
		onlineNode("n-1", "us-east", 100, 16<<30, 500<<30),
	}}
	sch := New(repo, DefaultWeights())

	nodeID, err := sch.Schedule(context.Background(), standardVM("us-east", 2), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if nodeID != "n-1" {
		t.Fatalf("nodeID = %s, want n-1", nodeID)
	}
	if _, ok := repo.reserved["n-1"]; !ok {
		t.Fatal("expected a reservation to have been made on n-1")
	}
}

func TestScheduleTieBreaksDeterministicallyByNodeID(t *testing.T) {
	// Two otherwise-identical candidates; lower nodeID must always win.
	n1 := onlineNode("n-a", "us-east", 100, 16<<30, 500<<30)
	n2 := onlineNode("n-b", "us-east", 100, 16<<30, 500<<30)
	repo := &fakeNodeRepo{nodes: []*domain.Node{n2, n1}}
	sch := New(repo, DefaultWeights())

	nodeID, err := sch.Schedule(context.Background(), standardVM("us-east", 2), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if nodeID != "n-a" {
		t.Fatalf("nodeID = %s, want n-a (deterministic tie-break)", nodeID)
	}
}

func TestScheduleExcludesNATNodeWhenPublicIPRequired(t *testing.T) {
	n := onlineNode("n-cgnat", "us-east", 100, 16<<30, 500<<30)
	n.Hardware.NATType = domain.NATSymmetric
	repo := &fakeNodeRepo{nodes: []*domain.Node{n}}
	sch := New(repo, DefaultWeights())

	_, err := sch.Schedule(context.Background(), standardVM("us-east", 2), true)
	if err == nil {
		t.Fatal("expected no suitable node when public IP required and node is behind NAT")
	}
}

func TestComputePointCostUsesFixedRoleCostForSystemVMs(t *testing.T) {
	vm := &domain.VirtualMachine{VMType: domain.VMTypeRelay, Spec: domain.VMSpec{VirtualCPUCores: 8}}
	tier := DefaultTiers()[domain.TierStandard]
	cost := ComputePointCost(vm, tier, BaselineBenchmark)
	if cost != SystemVMPointCost[domain.VMTypeRelay] {
		t.Errorf("cost = %d, want fixed relay cost %d", cost, SystemVMPointCost[domain.VMTypeRelay])
	}
}

func TestTotalComputePointsCapsAtMaxPerformanceMultiplier(t *testing.T) {
	// A benchmark far above baseline must not linearly inflate capacity.
	uncapped := TotalComputePoints(8, BaselineBenchmark*10)
	capped := TotalComputePoints(8, BaselineBenchmark*MaxPerformanceMultiplier)
	if uncapped != capped {
		t.Errorf("expected benchmark cap to apply: uncapped=%d capped=%d", uncapped, capped)
	}
}

func TestNewWithTiersOverridesOnlySuppliedTiers(t *testing.T) {
	override := TierConfig{OvercommitRatio: 1}
	sch := NewWithTiers(&fakeNodeRepo{}, DefaultWeights(), map[domain.QualityTier]TierConfig{
		domain.TierBurstable: override,
	})

	if sch.tiers[domain.TierBurstable] != override {
		t.Errorf("tiers[Burstable] = %+v, want override %+v", sch.tiers[domain.TierBurstable], override)
	}
	if sch.tiers[domain.TierStandard] != DefaultTiers()[domain.TierStandard] {
		t.Error("tiers[Standard] should keep its DefaultTiers value when not overridden")
	}
}

func TestNewWithTiersEmptyMapKeepsDefaults(t *testing.T) {
	sch := NewWithTiers(&fakeNodeRepo{}, DefaultWeights(), nil)
	if sch.tiers[domain.TierPremium] != DefaultTiers()[domain.TierPremium] {
		t.Error("nil tiers map should leave DefaultTiers untouched")
	}
}
