package domain

import "time"

// ObligationStatus is the reconciliation-engine lifecycle state (§3, §4.1).
type ObligationStatus string

const (
	ObligationPending         ObligationStatus = "Pending"
	ObligationReady           ObligationStatus = "Ready"
	ObligationRunning         ObligationStatus = "Running"
	ObligationWaitingForSignal ObligationStatus = "WaitingForSignal"
	ObligationCompleted       ObligationStatus = "Completed"
	ObligationFailed          ObligationStatus = "Failed"
	ObligationCancelled       ObligationStatus = "Cancelled"
)

// Terminal reports whether the obligation no longer participates in the
// active set considered by graph resolution (§4.1).
func (s ObligationStatus) Terminal() bool {
	switch s {
	case ObligationCompleted, ObligationFailed, ObligationCancelled:
		return true
	default:
		return false
	}
}

// ObligationType names a registered handler. Constants cover the types named
// explicitly in §2/§4; additional types may be registered by handlers without
// changing this file.
type ObligationType string

const (
	TypeVMSchedule        ObligationType = "vm.schedule"
	TypeVMProvision        ObligationType = "vm.provision"
	TypeVMDelete           ObligationType = "vm.delete"
	TypeVMReschedule       ObligationType = "vm.reschedule"
	TypeVMRegisterIngress  ObligationType = "vm.register-ingress"
	TypeVMAllocatePorts    ObligationType = "vm.allocate-ports"
	TypeVMCompensate       ObligationType = "vm.compensate-reservation"
	TypeNodeDeploySystemVM ObligationType = "node.deploy-system-vm"
	TypeStatUpdate         ObligationType = "stat.update"
	TypeCustomDomainVerify ObligationType = "custom-domain.verify"
	TypeSettlementBatch    ObligationType = "billing.settle-batch"
)

// CascadePolicy controls what happens to dependents when an obligation
// reaches Failed (§4.1 "Fail").
type CascadePolicy string

const (
	CascadeCancelDependents CascadePolicy = "cancel-dependents"
	CascadeKeepOrphans      CascadePolicy = "keep-orphans"
)

// MultiInstanceSafe obligation types may have more than one active instance
// per resourceId at a time, per §8 property 6 (e.g. vm.allocate-ports keyed
// by distinct port in Data).
var multiInstanceSafeTypes = map[ObligationType]bool{
	TypeVMAllocatePorts: true,
	TypeStatUpdate:      true,
}

func (t ObligationType) MultiInstanceSafe() bool {
	return multiInstanceSafeTypes[t]
}

// DefaultCascadePolicy returns the cascade policy for a type absent an
// explicit per-obligation override.
func (t ObligationType) DefaultCascadePolicy() CascadePolicy {
	return CascadeCancelDependents
}

// Obligation is a persisted unit of desired state (§3).
type Obligation struct {
	ID           string           `json:"id"`
	Type         ObligationType   `json:"type"`
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	Priority     int              `json:"priority"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	Status       ObligationStatus `json:"status"`

	DependsOn []string          `json:"depends_on,omitempty"`
	Data      map[string]string `json:"data,omitempty"`

	FailureCount  int        `json:"failure_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	WaitingForSignal string     `json:"waiting_for_signal,omitempty"`
	WaitExpiry       *time.Time `json:"wait_expiry,omitempty"`

	CascadePolicy CascadePolicy `json:"cascade_policy,omitempty"`

	ParentID    string   `json:"parent_id,omitempty"`
	ChildrenIDs []string `json:"children_ids,omitempty"`
	LastError   string   `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `json:"version"`
}

// EffectiveCascadePolicy returns the obligation's cascade policy, defaulting
// to cancel-dependents when unset.
func (o *Obligation) EffectiveCascadePolicy() CascadePolicy {
	if o.CascadePolicy != "" {
		return o.CascadePolicy
	}
	return o.Type.DefaultCascadePolicy()
}

// DataValue is a small convenience accessor over the untyped Data bag.
func (o *Obligation) DataValue(key string) string {
	if o.Data == nil {
		return ""
	}
	return o.Data[key]
}

// MaxObligationRetries is the default retry cap before an obligation moves to Failed
// (§4.1 backoff formula references failureCount against this cap).
const MaxObligationRetries = 8

// Backoff computes the retry delay for the given failure count, per §4.1:
// min(30s * 2^min(failureCount-1, 4), 5min).
func Backoff(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	exp := failureCount - 1
	if exp > 4 {
		exp = 4
	}
	d := 30 * time.Second
	for i := 0; i < exp; i++ {
		d *= 2
	}
	const cap = 5 * time.Minute
	if d > cap {
		return cap
	}
	return d
}

// SystemVMBackoff computes the system-VM controller's Failed→retry backoff
// (§4.4 step 5), identical formula, kept distinct for readability at call
// sites that aren't the obligation engine.
func SystemVMBackoff(failureCount int) time.Duration {
	return Backoff(failureCount)
}
