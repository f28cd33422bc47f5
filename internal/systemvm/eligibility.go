package systemvm

import "github.com/novaproto/orchestrator/internal/domain"

// minBandwidthMbps is the relay eligibility floor; an unmeasured bandwidth
// (zero) does not disqualify a node (§4.4 "do not penalize").
const minBandwidthMbps = 50.0

const (
	minRelayCores       = 2
	minRelayMemoryBytes = 4 << 30

	minBlockStoreStorageBytes = 100 << 30
	minBlockStoreMemoryBytes  = 4 << 30
)

// ingressEnabled and blockStoreEnabled gate the two roles shipped disabled;
// the data model stays forward-compatible but eligible() reports false for
// either, so neither role is ever deployed (§4.4 Non-goals, §9).
const (
	ingressEnabled    = false
	blockStoreEnabled = false
)

// eligible reports whether role is a pure function of node's reported
// hardware (§4.4 "Role eligibility (pure function of node)").
func eligible(role domain.SystemVMRole, node *domain.Node) bool {
	switch role {
	case domain.RoleDHT:
		return true
	case domain.RoleRelay:
		return relayEligible(node)
	case domain.RoleIngress:
		return ingressEnabled && relayEligible(node)
	case domain.RoleBlockStore:
		return blockStoreEnabled && blockStoreEligible(node)
	default:
		return false
	}
}

func relayEligible(node *domain.Node) bool {
	if node.Hardware.NATType != domain.NATNone {
		return false
	}
	if node.Hardware.PhysicalCores < minRelayCores {
		return false
	}
	if node.Hardware.MemoryBytes < minRelayMemoryBytes {
		return false
	}
	if node.Hardware.BandwidthMbps > 0 && node.Hardware.BandwidthMbps < minBandwidthMbps {
		return false
	}
	return true
}

func blockStoreEligible(node *domain.Node) bool {
	return node.Hardware.TotalDiskBytes() >= minBlockStoreStorageBytes &&
		node.Hardware.MemoryBytes >= minBlockStoreMemoryBytes
}

// requiredRoles returns every role node is currently eligible to host.
func requiredRoles(node *domain.Node) []domain.SystemVMRole {
	var roles []domain.SystemVMRole
	for _, role := range []domain.SystemVMRole{domain.RoleRelay, domain.RoleDHT, domain.RoleIngress, domain.RoleBlockStore} {
		if eligible(role, node) {
			roles = append(roles, role)
		}
	}
	return roles
}

// dependenciesMet evaluates the static dependency DAG against the node's
// current obligation set (§4.4 "Dependencies (static DAG)"):
//
//	Relay ← ∅
//	Dht ← {Relay if present on same node}
//	BlockStore ← Dht
//	Ingress ← Dht
//
// Dht's dependency on Relay is conditional: a node with no Relay obligation
// at all (not eligible for one) does not block Dht on it.
func dependenciesMet(role domain.SystemVMRole, node *domain.Node) bool {
	switch role {
	case domain.RoleRelay:
		return true
	case domain.RoleDHT:
		relay := node.SystemVMObligationFor(domain.RoleRelay)
		if relay == nil {
			return true
		}
		return relay.Status == domain.SysVMActive
	case domain.RoleBlockStore, domain.RoleIngress:
		dht := node.SystemVMObligationFor(domain.RoleDHT)
		return dht != nil && dht.Status == domain.SysVMActive
	default:
		return false
	}
}

// cgnatBlocksDeploy reports the CGNAT guard: a CGNAT'd node cannot deploy
// Dht until its overlay tunnel IP is assigned (§4.4 step 2).
func cgnatBlocksDeploy(role domain.SystemVMRole, node *domain.Node) bool {
	return role == domain.RoleDHT && node.CGNAT.Behind && node.CGNAT.TunnelIP == ""
}

// pointCost is the fixed per-role compute-point cost (§3.3 "a fixed
// per-role cost (e.g., Relay=2)"). Values for the two disabled roles are
// placeholders kept for data-model forward-compatibility.
var pointCost = map[domain.SystemVMRole]int64{
	domain.RoleRelay:      2,
	domain.RoleDHT:        2,
	domain.RoleIngress:    2,
	domain.RoleBlockStore: 4,
}
