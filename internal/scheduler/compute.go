// Package scheduler implements the VM scheduler (§4.2): tier-aware
// bin-packing over compute points, memory, and storage, with weighted node
// scoring and deterministic tie-breaking.
package scheduler

import (
	"math"

	"github.com/novaproto/orchestrator/internal/domain"
)

// TierConfig defines one quality tier's overcommit behavior (§4.2, GLOSSARY).
type TierConfig struct {
	Tier             domain.QualityTier
	OvercommitRatio  float64
	PriceMultiplier  float64
}

// DefaultTiers returns the named tiers with representative overcommit
// ratios — Burstable overcommits aggressively, Premium does not.
func DefaultTiers() map[domain.QualityTier]TierConfig {
	return map[domain.QualityTier]TierConfig{
		domain.TierBurstable: {Tier: domain.TierBurstable, OvercommitRatio: 4.0, PriceMultiplier: 0.6},
		domain.TierStandard:  {Tier: domain.TierStandard, OvercommitRatio: 2.0, PriceMultiplier: 1.0},
		domain.TierPremium:   {Tier: domain.TierPremium, OvercommitRatio: 1.0, PriceMultiplier: 1.8},
	}
}

// BaselineBenchmark is the reference benchmark score a compute point is
// normalized against (§4.2 "totalComputePoints = physicalCores *
// (nodeBenchmark / baselineBenchmark) * baseOvercommitRatio").
const BaselineBenchmark = 1000.0

// DefaultBaseOvercommitRatio is applied before the tier-specific
// overcommit ratio further scales the request-side cost.
const DefaultBaseOvercommitRatio = 2.0

// MaxPerformanceMultiplier caps how much a high-benchmark node's point
// total can be inflated (§4.2 "capped by maxPerformanceMultiplier").
const MaxPerformanceMultiplier = 3.0

// PointsPerVCpu returns the compute-point cost of one virtual CPU core under
// a tier, scaled by the node's measured benchmark relative to baseline.
func PointsPerVCpu(tier TierConfig, nodeBenchmark float64) float64 {
	ratio := nodeBenchmark / BaselineBenchmark
	if ratio <= 0 {
		ratio = 1
	}
	return ratio * tier.OvercommitRatio
}

// SystemVMPointCost is the fixed per-role compute-point cost for
// orchestrator-owned infrastructure VMs (§4.2 "fixed per-role cost for
// system VMs (e.g., Relay=2)").
var SystemVMPointCost = map[domain.VMType]int64{
	domain.VMTypeRelay:      2,
	domain.VMTypeDht:        2,
	domain.VMTypeIngress:    2,
	domain.VMTypeBlockStore: 4,
}

// ComputePointCost computes a VM's point cost for scheduling and billing
// purposes (§4.2).
func ComputePointCost(vm *domain.VirtualMachine, tier TierConfig, nodeBenchmark float64) int64 {
	if vm.VMType != domain.VMTypeUser {
		if cost, ok := SystemVMPointCost[vm.VMType]; ok {
			return cost
		}
	}
	pointsPerCore := PointsPerVCpu(tier, nodeBenchmark)
	return int64(math.Round(float64(vm.Spec.VirtualCPUCores) * pointsPerCore))
}

// TotalComputePoints computes a node's total capacity in compute points,
// capped by MaxPerformanceMultiplier (§4.2).
func TotalComputePoints(physicalCores int, nodeBenchmark float64) int64 {
	ratio := nodeBenchmark / BaselineBenchmark
	if ratio <= 0 {
		ratio = 1
	}
	if ratio > MaxPerformanceMultiplier {
		ratio = MaxPerformanceMultiplier
	}
	return int64(math.Round(float64(physicalCores) * ratio * DefaultBaseOvercommitRatio))
}
