package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/novaproto/orchestrator/internal/auth"
	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/store"
)

// createVMRequest is the wire shape of CreateVmRequest (§6).
type createVMRequest struct {
	Name             string             `json:"name"`
	VirtualCPUCores  int                `json:"virtual_cpu_cores"`
	MemoryBytes      int64              `json:"memory_bytes"`
	DiskBytes        int64              `json:"disk_bytes"`
	QualityTier      domain.QualityTier `json:"quality_tier"`
	Region           string             `json:"region"`
	Zone             string             `json:"zone,omitempty"`
	SSHPublicKey     string             `json:"ssh_public_key,omitempty"`
	UserData         string             `json:"user_data,omitempty"`
	HourlyRateCrypto float64            `json:"hourly_rate_crypto"`
}

var validTiers = map[domain.QualityTier]bool{
	domain.TierBurstable: true,
	domain.TierStandard:  true,
	domain.TierPremium:   true,
}

// CreateVM handles POST /api/vms: persists the VM in Pending status and
// hands scheduling off to a vm.schedule obligation (§6).
func (h *Handler) CreateVM(w http.ResponseWriter, r *http.Request) {
	principal, _ := domain.PrincipalFromContext(r.Context())

	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.Name == "" {
		auth.WriteError(w, http.StatusBadRequest, "validation", "name is required")
		return
	}
	if req.VirtualCPUCores <= 0 || req.MemoryBytes <= 0 || req.DiskBytes <= 0 {
		auth.WriteError(w, http.StatusBadRequest, "validation", "virtual_cpu_cores, memory_bytes, and disk_bytes must be positive")
		return
	}
	if !validTiers[req.QualityTier] {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid quality_tier")
		return
	}
	if req.Region == "" {
		auth.WriteError(w, http.StatusBadRequest, "validation", "region is required")
		return
	}
	if req.HourlyRateCrypto <= 0 {
		auth.WriteError(w, http.StatusBadRequest, "validation", "hourly_rate_crypto must be positive")
		return
	}

	vm := &domain.VirtualMachine{
		OwnerID:     principal.UserID,
		OwnerWallet: principal.WalletAddress,
		Name:        req.Name,
		VMType:      domain.VMTypeUser,
		Spec: domain.VMSpec{
			VirtualCPUCores: req.VirtualCPUCores,
			MemoryBytes:     req.MemoryBytes,
			DiskBytes:       req.DiskBytes,
			QualityTier:     req.QualityTier,
			SSHPublicKey:    req.SSHPublicKey,
			UserData:        req.UserData,
			Region:          req.Region,
			Zone:            req.Zone,
		},
		Billing: domain.BillingInfo{
			LastBillingAt:    time.Now(),
			HourlyRateCrypto: req.HourlyRateCrypto,
		},
	}
	if err := h.VMs.CreateVM(r.Context(), vm); err != nil {
		writeErr(w, err)
		return
	}

	if err := h.Obligations.CreateObligation(r.Context(), &domain.Obligation{
		Type:         domain.TypeVMSchedule,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     5,
	}); err != nil {
		writeErr(w, err)
		return
	}

	auth.WriteData(w, http.StatusCreated, map[string]any{"id": vm.ID, "status": vm.Status})
}

// redactLabels strips orchestrator-internal bookkeeping labels (those
// prefixed "_", e.g. "_stopped_reason") before a VM is returned to a caller.
func redactLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func authorizeOwner(ctx context.Context, ownerID string) (domain.Principal, error) {
	principal, ok := domain.PrincipalFromContext(ctx)
	if !ok {
		return principal, domain.Forbidden("no authenticated principal")
	}
	if principal.IsOperator() || principal.UserID == ownerID {
		return principal, nil
	}
	return principal, domain.Forbidden("not authorized for this vm")
}

// GetVM handles GET /api/vms/{id}.
func (h *Handler) GetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := h.VMs.GetVM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := authorizeOwner(r.Context(), vm.OwnerID); err != nil {
		writeErr(w, err)
		return
	}
	vm.Labels = redactLabels(vm.Labels)
	auth.WriteData(w, http.StatusOK, vm)
}

type actionVMRequest struct {
	Action string `json:"action"`
}

// ActionVM handles POST /api/vms/{id}/action: Start/Stop/Restart/Pause/Resume,
// each gated on the VM's current status (§6, §3 VM lifecycle).
func (h *Handler) ActionVM(w http.ResponseWriter, r *http.Request) {
	vm, err := h.VMs.GetVM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := authorizeOwner(r.Context(), vm.OwnerID); err != nil {
		writeErr(w, err)
		return
	}
	if vm.NodeID == "" {
		writeErr(w, domain.Conflict("vm %s is not yet scheduled to a node", vm.ID))
		return
	}

	var req actionVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	switch req.Action {
	case "Start":
		if vm.Status != domain.VMStopped {
			writeErr(w, domain.Conflict("vm %s must be Stopped to Start, is %s", vm.ID, vm.Status))
			return
		}
		if err := h.issueCommand(r.Context(), vm, domain.CommandStartVM); err != nil {
			writeErr(w, err)
			return
		}
	case "Stop":
		if vm.Status != domain.VMRunning {
			writeErr(w, domain.Conflict("vm %s must be Running to Stop, is %s", vm.ID, vm.Status))
			return
		}
		updated, err := h.Lifecycle.Transition(r.Context(), vm.ID, domain.VMStopping, nil)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := h.issueCommand(r.Context(), updated, domain.CommandStopVM); err != nil {
			writeErr(w, err)
			return
		}
	case "Restart":
		if vm.Status != domain.VMRunning {
			writeErr(w, domain.Conflict("vm %s must be Running to Restart, is %s", vm.ID, vm.Status))
			return
		}
		if err := h.issueCommand(r.Context(), vm, domain.CommandRestartVM); err != nil {
			writeErr(w, err)
			return
		}
	case "Pause":
		if vm.Status != domain.VMRunning {
			writeErr(w, domain.Conflict("vm %s must be Running to Pause, is %s", vm.ID, vm.Status))
			return
		}
		if err := h.issueCommand(r.Context(), vm, domain.CommandPauseVM); err != nil {
			writeErr(w, err)
			return
		}
	case "Resume":
		if vm.Status != domain.VMPaused {
			writeErr(w, domain.Conflict("vm %s must be Paused to Resume, is %s", vm.ID, vm.Status))
			return
		}
		if err := h.issueCommand(r.Context(), vm, domain.CommandResumeVM); err != nil {
			writeErr(w, err)
			return
		}
	default:
		auth.WriteError(w, http.StatusBadRequest, "validation", "unknown action "+req.Action)
		return
	}

	auth.WriteData(w, http.StatusAccepted, map[string]any{"id": vm.ID, "action": req.Action})
}

// issueCommand enqueues a command for vm's node, records it for audit, and
// stamps the VM's active-command bookkeeping fields.
func (h *Handler) issueCommand(ctx context.Context, vm *domain.VirtualMachine, cmdType domain.CommandType) error {
	cmd := &domain.Command{
		CommandID:        store.NewID("cmd"),
		Type:             cmdType,
		TargetResourceID: vm.ID,
		NodeID:           vm.NodeID,
		Payload:          []byte("{}"),
		RequiresAck:      true,
	}
	if _, err := h.VMs.UpdateVM(ctx, vm.ID, func(v *domain.VirtualMachine) error {
		v.ActiveCommandID = cmd.CommandID
		v.ActiveCommandType = string(cmdType)
		issuedAt := time.Now()
		v.ActiveCommandIssuedAt = &issuedAt
		return nil
	}); err != nil {
		return err
	}
	if err := h.Channel.Enqueue(vm.NodeID, cmd); err != nil {
		return err
	}
	return h.Commands.RecordCommand(ctx, cmd)
}

// DeleteVM handles DELETE /api/vms/{id}: emits a vm.delete obligation (§6).
func (h *Handler) DeleteVM(w http.ResponseWriter, r *http.Request) {
	vm, err := h.VMs.GetVM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := authorizeOwner(r.Context(), vm.OwnerID); err != nil {
		writeErr(w, err)
		return
	}
	if vm.Status == domain.VMDeleted {
		auth.WriteData(w, http.StatusOK, map[string]any{"id": vm.ID, "status": vm.Status})
		return
	}

	if err := h.Obligations.CreateObligation(r.Context(), &domain.Obligation{
		Type:         domain.TypeVMDelete,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     7,
	}); err != nil {
		writeErr(w, err)
		return
	}

	auth.WriteData(w, http.StatusAccepted, map[string]any{"id": vm.ID})
}
