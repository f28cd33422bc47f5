package domain

// NodeHeartbeat is the wire shape a node agent posts periodically (§6):
// its current capacity, basic host metrics, and the status it observes for
// every VM it is hosting, so the orchestrator can reconcile drift without a
// dedicated full-state sync.
type NodeHeartbeat struct {
	AvailablePoints int64                     `json:"available_points"`
	AvailableMemory int64                     `json:"available_memory"`
	AvailableStorage int64                    `json:"available_storage"`
	Metrics         NodeMetrics               `json:"metrics"`
	VMStatuses      map[string]VMStatusReport `json:"vm_statuses,omitempty"`
}

// NodeMetrics is the host-level telemetry carried on a heartbeat.
type NodeMetrics struct {
	CPULoadPercent  float64 `json:"cpu_load_percent"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	DiskUsedBytes   int64   `json:"disk_used_bytes"`
}

// VMStatusReport is one VM's observed state as seen by the node agent
// hosting it, used to detect drift against the orchestrator's own record.
type VMStatusReport struct {
	Status     VMStatus   `json:"status"`
	PowerState PowerState `json:"power_state"`
}
