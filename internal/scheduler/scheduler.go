package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
)

// Weights are the scoring function's term weights (§4.2 defaults).
type Weights struct {
	Utilization float64
	Reputation  float64
	Price       float64
	Region      float64
	GPUPenalty  float64
}

// DefaultWeights returns the default weighted-sum coefficients.
func DefaultWeights() Weights {
	return Weights{
		Utilization: 0.30,
		Reputation:  0.25,
		Price:       0.20,
		Region:      0.15,
		GPUPenalty:  0.10,
	}
}

// TargetUtilization is the post-reservation utilization the scorer treats as
// ideal (§4.2 "target (default 0.7)").
const TargetUtilization = 0.7

// NodeRepository is the narrow store dependency the scheduler needs.
type NodeRepository interface {
	ListOnlineNodes(ctx context.Context) ([]*domain.Node, error)
	ReserveOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error
}

// Scheduler selects a node for a pending VM and reserves resources on it.
type Scheduler struct {
	store   NodeRepository
	weights Weights
	tiers   map[domain.QualityTier]TierConfig
}

// New creates a Scheduler with the given weights (zero value uses defaults).
func New(store NodeRepository, weights Weights) *Scheduler {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Scheduler{store: store, weights: weights, tiers: DefaultTiers()}
}

// NewWithTiers creates a Scheduler whose per-tier overcommit ratios come
// from config rather than DefaultTiers, e.g. an operator tightening
// Burstable's overcommit after a noisy-neighbor incident. Tiers absent from
// the supplied map keep their DefaultTiers value rather than vanishing.
func NewWithTiers(store NodeRepository, weights Weights, tiers map[domain.QualityTier]TierConfig) *Scheduler {
	s := New(store, weights)
	if len(tiers) == 0 {
		return s
	}
	merged := DefaultTiers()
	for tier, cfg := range tiers {
		merged[tier] = cfg
	}
	s.tiers = merged
	return s
}

// candidate pairs a node with its computed placement cost and score.
type candidate struct {
	node      *domain.Node
	pointCost int64
	score     float64
}

// ErrNoSuitableNode signals the handler should Retry (§4.2 "Failure").
var ErrNoSuitableNode = domain.NewError(domain.KindTransientExternal, "no suitable node available", nil)

// Schedule picks a node for vm and atomically reserves resources on it. On
// success it returns the selected node's id; vm.NodeID assignment remains
// the caller's (handler's) responsibility so the scheduler stays
// store-agnostic about VM persistence (§4.2 "Reservation").
func (s *Scheduler) Schedule(ctx context.Context, vm *domain.VirtualMachine, requiresPublicIP bool) (string, error) {
	start := time.Now()
	tier, ok := s.tiers[vm.Spec.QualityTier]
	if !ok {
		tier = s.tiers[domain.TierStandard]
	}
	defer func() {
		metrics.RecordSchedulerPlacement(string(vm.Spec.QualityTier), time.Since(start).Milliseconds())
	}()

	nodes, err := s.store.ListOnlineNodes(ctx)
	if err != nil {
		return "", domain.TransientExternal(err, "list online nodes")
	}

	candidates := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		if !s.passesFilter(n, vm, requiresPublicIP) {
			continue
		}
		cost := ComputePointCost(vm, tier, n.Evaluation.BenchmarkScore)
		if n.AvailablePoints() < cost || n.AvailableMemory() < vm.Spec.MemoryBytes || n.AvailableStorage() < vm.Spec.DiskBytes {
			continue
		}
		candidates = append(candidates, candidate{
			node:      n,
			pointCost: cost,
			score:     s.score(n, vm, cost),
		})
	}

	if len(candidates) == 0 {
		return "", ErrNoSuitableNode
	}

	// Deterministic tie-break by (-score, nodeId) — no randomness (§4.2).
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	chosen := candidates[0]
	if err := s.store.ReserveOnNode(ctx, chosen.node.ID, chosen.pointCost, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); err != nil {
		// Another concurrent schedule raced us for the last headroom; the
		// caller should retry, which will re-filter against fresh state.
		logging.Op().Warn("reservation race, retrying scheduler decision", "node", chosen.node.ID, "vm", vm.ID, "error", err)
		return "", domain.TransientExternal(err, "reservation race on node %s", chosen.node.ID)
	}

	metrics.Global().RecordVMReserved()
	return chosen.node.ID, nil
}

func (s *Scheduler) passesFilter(n *domain.Node, vm *domain.VirtualMachine, requiresPublicIP bool) bool {
	if n.State != domain.NodeOnline {
		return false
	}
	if !n.Evaluation.AllowsTier(vm.Spec.QualityTier) {
		return false
	}
	if vm.Spec.Region != "" && n.Region != vm.Spec.Region {
		return false
	}
	if vm.Spec.Zone != "" && n.Zone != vm.Spec.Zone {
		return false
	}
	if requiresPublicIP && n.Hardware.NATType != domain.NATNone {
		return false
	}
	return true
}

// score computes the weighted sum over utilization, reputation, price,
// region affinity, and GPU-affinity penalty (§4.2).
func (s *Scheduler) score(n *domain.Node, vm *domain.VirtualMachine, cost int64) float64 {
	util := s.utilizationScore(n, cost)
	rep := n.Reputation.UptimePercent/100*0.6 + n.Reputation.SuccessRate*0.4
	price := s.priceScore(n)
	region := s.regionAffinity(n, vm)
	gpuPenalty := s.gpuAffinityPenalty(n, vm)

	return util*s.weights.Utilization +
		rep*s.weights.Reputation +
		price*s.weights.Price +
		region*s.weights.Region -
		gpuPenalty*s.weights.GPUPenalty
}

// utilizationScore penalizes both empty and near-full nodes, peaking at
// TargetUtilization post-reservation (§4.2).
func (s *Scheduler) utilizationScore(n *domain.Node, extraPoints int64) float64 {
	if n.Total.ComputePoints <= 0 {
		return 0
	}
	postReserved := n.Reserved.ComputePoints + extraPoints
	util := float64(postReserved) / float64(n.Total.ComputePoints)
	distance := util - TargetUtilization
	if distance < 0 {
		distance = -distance
	}
	score := 1 - distance
	if score < 0 {
		score = 0
	}
	return score
}

func (s *Scheduler) priceScore(n *domain.Node) float64 {
	if n.PricePerPoint <= 0 {
		return 1
	}
	// Normalized inverse: cheaper nodes score closer to 1. A fixed reference
	// price avoids a second pass over all candidates just to normalize
	// relative-to-peers, acceptable since the weight is only 0.20 of the
	// total score.
	const referencePrice = 0.01
	score := referencePrice / n.PricePerPoint
	if score > 1 {
		score = 1
	}
	return score
}

func (s *Scheduler) regionAffinity(n *domain.Node, vm *domain.VirtualMachine) float64 {
	if vm.Spec.Region == "" {
		return 0.5
	}
	if n.Region == vm.Spec.Region {
		return 1.0
	}
	if continentOf(n.Region) == continentOf(vm.Spec.Region) {
		return 0.5
	}
	return 0.0
}

func (s *Scheduler) gpuAffinityPenalty(n *domain.Node, vm *domain.VirtualMachine) float64 {
	wantsGPU := vm.Labels != nil && vm.Labels["requires_gpu"] == "true"
	if n.Hardware.HasGPU && !wantsGPU {
		return 1.0
	}
	return 0.0
}

// continentOf is a coarse region-to-continent mapping good enough for the
// affinity tier, not a geo-IP service (out of scope, §1).
func continentOf(region string) string {
	prefixes := map[string]string{
		"us-": "na",
		"ca-": "na",
		"eu-": "eu",
		"ap-": "apac",
		"sa-": "sa",
		"af-": "af",
		"me-": "me",
	}
	for prefix, continent := range prefixes {
		if len(region) >= len(prefix) && region[:len(prefix)] == prefix {
			return continent
		}
	}
	return region
}
