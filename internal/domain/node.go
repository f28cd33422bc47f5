package domain

import "time"

// NodeState is the lifecycle state of a worker node, per spec §3:
// Registering → Online ⇄ Offline → Decommissioned.
type NodeState string

const (
	NodeRegistering   NodeState = "Registering"
	NodeOnline        NodeState = "Online"
	NodeOffline       NodeState = "Offline"
	NodeDecommissioned NodeState = "Decommissioned"
)

// NATType describes the node's reachability from the public internet.
type NATType string

const (
	NATNone        NATType = "none" // has a routable public IP
	NATFull        NATType = "full"
	NATRestricted  NATType = "restricted"
	NATSymmetric   NATType = "symmetric"
)

// QualityTier is the SLA class a node is permitted to host, per GLOSSARY.
type QualityTier string

const (
	TierBurstable QualityTier = "Burstable"
	TierStandard  QualityTier = "Standard"
	TierPremium   QualityTier = "Premium"
)

// HardwareInventory is the node's reported physical capability.
type HardwareInventory struct {
	PhysicalCores  int     `json:"physical_cores"`
	MemoryBytes    int64   `json:"memory_bytes"`
	DiskBytes      []int64 `json:"disk_bytes"` // per-disk storage
	BandwidthMbps  float64 `json:"bandwidth_mbps"`
	NATType        NATType `json:"nat_type"`
	HasGPU         bool    `json:"has_gpu"`
}

// TotalDiskBytes sums all reported disks.
func (h HardwareInventory) TotalDiskBytes() int64 {
	var total int64
	for _, d := range h.DiskBytes {
		total += d
	}
	return total
}

// PerformanceEvaluation is the node's measured benchmark and the tiers it
// is consequently allowed to host.
type PerformanceEvaluation struct {
	BenchmarkScore float64       `json:"benchmark_score"`
	AllowedTiers   []QualityTier `json:"allowed_tiers"`
}

func (p PerformanceEvaluation) AllowsTier(tier QualityTier) bool {
	for _, t := range p.AllowedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ResourceCounters are the linearizable reserved/total resource counters
// described in §5 — all mutation goes through Node.Reserve/Release which the
// store guards with a per-node lock (or CAS on the version field).
type ResourceCounters struct {
	ComputePoints int64 `json:"compute_points"`
	MemoryBytes   int64 `json:"memory_bytes"`
	StorageBytes  int64 `json:"storage_bytes"`
}

// Reputation informs the scheduler's reputationScore term.
type Reputation struct {
	UptimePercent float64 `json:"uptime_percent"`
	SuccessRate   float64 `json:"success_rate"` // 0..1
}

// SystemVMRole is one of the infrastructure roles the system-VM controller
// maintains on a node.
type SystemVMRole string

const (
	RoleRelay      SystemVMRole = "Relay"
	RoleDHT        SystemVMRole = "Dht"
	RoleIngress    SystemVMRole = "Ingress"
	RoleBlockStore SystemVMRole = "BlockStore"
)

// SystemVMObligationStatus is the per-role deployment state tracked on the
// node, independent of (but referencing) the underlying VM's own status.
type SystemVMObligationStatus string

const (
	SysVMPending   SystemVMObligationStatus = "Pending"
	SysVMDeploying SystemVMObligationStatus = "Deploying"
	SysVMActive    SystemVMObligationStatus = "Active"
	SysVMFailed    SystemVMObligationStatus = "Failed"
)

// SystemVMObligation is one entry of a node's system-vm-obligations list.
type SystemVMObligation struct {
	Role         SystemVMRole              `json:"role"`
	VMID         string                    `json:"vm_id,omitempty"`
	Status       SystemVMObligationStatus  `json:"status"`
	FailureCount int                       `json:"failure_count"`
	DeployedAt   *time.Time                `json:"deployed_at,omitempty"`
	ActiveAt     *time.Time                `json:"active_at,omitempty"`
	LastError    string                    `json:"last_error,omitempty"`
	NextAttempt  time.Time                 `json:"next_attempt,omitempty"`
}

// DHTInfo tracks the node's DHT system VM bootstrap state.
type DHTInfo struct {
	DHTVMID            string `json:"dht_vm_id,omitempty"`
	Status             string `json:"status,omitempty"`
	BootstrapPeerCount int    `json:"bootstrap_peer_count"`
	ZeroPeersSince     *time.Time `json:"zero_peers_since,omitempty"`
	AdvertisedIP       string `json:"advertised_ip,omitempty"`
}

// RelayInfo tracks the node's relay system VM.
type RelayInfo struct {
	RelayVMID string `json:"relay_vm_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// CGNATInfo describes the overlay tunnel a CGNAT'd node needs before it can
// advertise a reachable address for DHT/relay peers.
type CGNATInfo struct {
	Behind   bool   `json:"behind"`
	TunnelIP string `json:"tunnel_ip,omitempty"`
}

// Node is a worker machine in the fleet (§3 Node entity).
type Node struct {
	ID        string  `json:"id"`
	Wallet    string  `json:"wallet"`
	PublicIP  string  `json:"public_ip"`
	AgentPort int     `json:"agent_port"`
	Region    string  `json:"region"`
	Zone      string  `json:"zone,omitempty"`

	// Secret is the shared key issued at registration and used to verify
	// the HMAC-SHA256 signature on every subsequent node-originated request
	// (§6 "Node-originated endpoints use HMAC-SHA256 signatures"). Never
	// serialized back out to a non-node caller.
	Secret string `json:"-"`

	Hardware   HardwareInventory      `json:"hardware"`
	Evaluation PerformanceEvaluation  `json:"evaluation"`
	Total      ResourceCounters       `json:"total"`
	Reserved   ResourceCounters       `json:"reserved"`
	Reputation Reputation             `json:"reputation"`
	PricePerPoint float64             `json:"price_per_point"`

	SystemVMObligations []SystemVMObligation `json:"system_vm_obligations"`
	DHT                 DHTInfo              `json:"dht_info"`
	Relay               RelayInfo            `json:"relay_info"`
	CGNAT               CGNATInfo            `json:"cgnat_info"`

	State           NodeState `json:"state"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	RegisteredAt    time.Time `json:"registered_at"`
	DecommissionAt  *time.Time `json:"decommission_at,omitempty"`

	Version int `json:"version"` // optimistic-concurrency counter, §5
}

const (
	heartbeatOfflineAfter       = 90 * time.Second
	heartbeatDecommissionAfter = 24 * time.Hour
)

// IsHealthy reports whether the node should be considered Online given the
// time elapsed since its last heartbeat (§3 lifecycle: silence beyond 90s
// transitions Offline).
func (n *Node) IsHealthy(now time.Time) bool {
	return n.State == NodeOnline && now.Sub(n.LastHeartbeatAt) <= heartbeatOfflineAfter
}

// AvailablePoints returns the node's remaining compute-point capacity.
func (n *Node) AvailablePoints() int64 {
	avail := n.Total.ComputePoints - n.Reserved.ComputePoints
	if avail < 0 {
		return 0
	}
	return avail
}

func (n *Node) AvailableMemory() int64 {
	avail := n.Total.MemoryBytes - n.Reserved.MemoryBytes
	if avail < 0 {
		return 0
	}
	return avail
}

func (n *Node) AvailableStorage() int64 {
	avail := n.Total.StorageBytes - n.Reserved.StorageBytes
	if avail < 0 {
		return 0
	}
	return avail
}

// Utilization returns post-reservation utilization in [0,1], used by the
// scheduler's utilizationScore term.
func (n *Node) Utilization() float64 {
	if n.Total.ComputePoints <= 0 {
		return 1
	}
	return float64(n.Reserved.ComputePoints) / float64(n.Total.ComputePoints)
}

// SystemVMObligationFor returns the obligation entry for a role, or nil.
func (n *Node) SystemVMObligationFor(role SystemVMRole) *SystemVMObligation {
	for i := range n.SystemVMObligations {
		if n.SystemVMObligations[i].Role == role {
			return &n.SystemVMObligations[i]
		}
	}
	return nil
}
