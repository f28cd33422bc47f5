package domain

import "time"

// VMType classifies who a VM serves: a user workload, or one of the
// system-VM roles the system-VM controller deploys on behalf of the
// network itself (§4.4).
type VMType string

const (
	VMTypeUser       VMType = "User"
	VMTypeRelay      VMType = "Relay"
	VMTypeDht        VMType = "Dht"
	VMTypeBlockStore VMType = "BlockStore"
	VMTypeIngress    VMType = "Ingress"
)

// VMStatus is the authoritative VM lifecycle state (§3).
type VMStatus string

const (
	VMPending      VMStatus = "Pending"
	VMScheduling   VMStatus = "Scheduling"
	VMProvisioning VMStatus = "Provisioning"
	VMRunning      VMStatus = "Running"
	VMStopping     VMStatus = "Stopping"
	VMStopped      VMStatus = "Stopped"
	VMDeleting     VMStatus = "Deleting"
	VMDeleted      VMStatus = "Deleted"
	VMError        VMStatus = "Error"
	VMPaused       VMStatus = "Paused"
)

// Terminal reports whether no further lifecycle transition is expected
// (Deleted is truly terminal; Error is recoverable by retry per §3).
func (s VMStatus) Terminal() bool {
	return s == VMDeleted
}

// PowerState is the hypervisor-level power state, distinct from VMStatus.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerPaused  PowerState = "paused"
	PowerUnknown PowerState = "unknown"
)

// VMSpec is the immutable-after-creation sizing/placement request.
type VMSpec struct {
	VirtualCPUCores  int         `json:"virtual_cpu_cores"`
	MemoryBytes      int64       `json:"memory_bytes"`
	DiskBytes        int64       `json:"disk_bytes"`
	QualityTier      QualityTier `json:"quality_tier"`
	ComputePointCost int64       `json:"compute_point_cost"`
	SSHPublicKey     string      `json:"ssh_public_key,omitempty"`
	UserData         string      `json:"user_data,omitempty"`
	Region           string      `json:"region"`
	Zone             string      `json:"zone,omitempty"`
}

// NetworkConfig is the VM's assigned network identity once provisioned.
type NetworkConfig struct {
	PrivateIP string `json:"private_ip,omitempty"`
}

// AccessInfo is how an owner reaches their running VM.
type AccessInfo struct {
	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// IngressConfig is the VM's subdomain/custom-domain routing state.
type IngressConfig struct {
	Subdomain            string     `json:"subdomain,omitempty"`
	CustomDomain         string     `json:"custom_domain,omitempty"`
	CustomDomainVerified bool       `json:"custom_domain_verified"`
	VerificationAttempts int        `json:"verification_attempts"`
	LastVerificationAt   *time.Time `json:"last_verification_at,omitempty"`
}

// PortMapping is one entry of a VM's directAccess.portMappings.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// DirectAccess holds the node-level port forwards exposing the VM directly.
type DirectAccess struct {
	PortMappings []PortMapping `json:"port_mappings,omitempty"`
}

// BillingInfo tracks the VM's accrual state (§3, §4.5).
type BillingInfo struct {
	LastBillingAt    time.Time     `json:"last_billing_at"`
	HourlyRateCrypto float64       `json:"hourly_rate_crypto"`
	TotalBilled      float64       `json:"total_billed"`
	TotalRuntime     time.Duration `json:"total_runtime"`
	VerifiedRuntime  time.Duration `json:"verified_runtime"`
	UnverifiedRuntime time.Duration `json:"unverified_runtime"`
	BillingPaused    bool          `json:"billing_paused"`
}

// VirtualMachine is the control plane's VM entity (§3).
type VirtualMachine struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	OwnerWallet string `json:"owner_wallet"`
	Name        string `json:"name"`
	VMType      VMType `json:"vm_type"`

	Spec VMSpec `json:"spec"`

	NodeID        string        `json:"node_id,omitempty"`
	Status        VMStatus      `json:"status"`
	StatusMessage string        `json:"status_message,omitempty"`
	PowerState    PowerState    `json:"power_state"`
	NetworkConfig NetworkConfig `json:"network_config"`
	AccessInfo    AccessInfo    `json:"access_info"`
	IngressConfig IngressConfig `json:"ingress_config"`
	DirectAccess  DirectAccess  `json:"direct_access"`
	Services      []string      `json:"services,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`

	ActiveCommandID        string     `json:"active_command_id,omitempty"`
	ActiveCommandType      string     `json:"active_command_type,omitempty"`
	ActiveCommandIssuedAt  *time.Time `json:"active_command_issued_at,omitempty"`

	Billing BillingInfo `json:"billing"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// IsSystemVM reports whether this VM is an orchestrator-owned infrastructure
// VM rather than a user workload.
func (vm *VirtualMachine) IsSystemVM() bool {
	return vm.VMType != VMTypeUser
}

// Label sets a label, initializing the map if necessary.
func (vm *VirtualMachine) Label(key, value string) {
	if vm.Labels == nil {
		vm.Labels = map[string]string{}
	}
	vm.Labels[key] = value
}

// StoppedReason returns the labels._stopped_reason value, if set (§7).
func (vm *VirtualMachine) StoppedReason() string {
	if vm.Labels == nil {
		return ""
	}
	return vm.Labels["_stopped_reason"]
}

// validVMTransitions enumerates the state-gated transitions the lifecycle
// manager permits (§3 status enum, §4.5 stop-on-insufficient-funds).
var validVMTransitions = map[VMStatus]map[VMStatus]bool{
	VMPending:      {VMScheduling: true, VMError: true, VMDeleting: true},
	VMScheduling:   {VMProvisioning: true, VMScheduling: true, VMError: true, VMDeleting: true},
	VMProvisioning: {VMRunning: true, VMScheduling: true, VMError: true, VMDeleting: true},
	VMRunning:      {VMStopping: true, VMPaused: true, VMError: true, VMDeleting: true},
	VMStopping:     {VMStopped: true, VMError: true, VMDeleting: true},
	VMStopped:      {VMRunning: true, VMProvisioning: true, VMDeleting: true, VMError: true},
	VMPaused:       {VMRunning: true, VMDeleting: true, VMError: true},
	VMError:        {VMScheduling: true, VMDeleting: true},
	VMDeleting:     {VMDeleted: true, VMError: true},
	VMDeleted:      {},
}

// CanTransition reports whether moving from the VM's current status to next
// is a legal state-machine edge.
func (vm *VirtualMachine) CanTransition(next VMStatus) bool {
	if vm.Status == VMDeleted {
		return false
	}
	allowed, ok := validVMTransitions[vm.Status]
	if !ok {
		return false
	}
	return allowed[next]
}
