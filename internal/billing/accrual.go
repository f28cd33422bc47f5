package billing

import (
	"context"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/store"
)

// runAccrual ticks every Running User VM through §4.5's per-period accrual:
// attestation-gated skip, cost computation, balance validation, and a usage
// buffer write for anything actually billed.
func (c *Controller) runAccrual(ctx context.Context) {
	vms, err := c.VMs.ListVMsByType(ctx, domain.VMTypeUser)
	if err != nil {
		logging.Op().Error("billing: list user vms", "error", err)
		return
	}
	for _, vm := range vms {
		if vm.Status != domain.VMRunning {
			continue
		}
		c.accrueOne(ctx, vm)
	}
}

func (c *Controller) accrueOne(ctx context.Context, vm *domain.VirtualMachine) {
	now := time.Now()
	elapsed := now.Sub(vm.Billing.LastBillingAt)
	if elapsed <= 0 {
		return
	}

	if vm.Billing.BillingPaused {
		if _, err := c.VMs.UpdateVM(ctx, vm.ID, func(v *domain.VirtualMachine) error {
			v.Billing.UnverifiedRuntime += elapsed
			v.Billing.LastBillingAt = now
			return nil
		}); err != nil {
			logging.Op().Warn("billing: record unverified runtime", "vm_id", vm.ID, "error", err)
		}
		return
	}

	cost := elapsed.Hours() * vm.Billing.HourlyRateCrypto
	if cost <= 0 {
		return
	}

	if !c.hasSufficientBalance(ctx, vm, cost) {
		c.stopForInsufficientFunds(ctx, vm)
		return
	}

	nodeShare, platformFee := domain.SplitCost(cost, c.cfg.PlatformFeeBps)
	record := &domain.UsageRecord{
		VMID:                vm.ID,
		UserID:              vm.OwnerID,
		NodeID:              vm.NodeID,
		PeriodStart:         vm.Billing.LastBillingAt,
		PeriodEnd:           now,
		TotalCost:           cost,
		NodeShare:           nodeShare,
		PlatformFee:         platformFee,
		AttestationVerified: true,
	}
	c.Buffer.Add(ctx, record)

	if _, err := c.VMs.UpdateVM(ctx, vm.ID, func(v *domain.VirtualMachine) error {
		v.Billing.LastBillingAt = now
		v.Billing.TotalBilled += cost
		v.Billing.TotalRuntime += elapsed
		v.Billing.VerifiedRuntime += elapsed
		return nil
	}); err != nil {
		logging.Op().Warn("billing: record accrual", "vm_id", vm.ID, "error", err)
	}
}

// hasSufficientBalance confirms the owner's on-chain escrow balance (plus
// pending deposits, minus usage not yet settled) covers cost, per §4.5 step 3.
func (c *Controller) hasSufficientBalance(ctx context.Context, vm *domain.VirtualMachine, cost float64) bool {
	balance, err := c.Blockchain.GetEscrowBalance(ctx, vm.OwnerWallet)
	if err != nil {
		logging.Op().Warn("billing: get escrow balance", "wallet", vm.OwnerWallet, "error", err)
		return false
	}
	pending, err := c.Blockchain.GetPendingDeposits(ctx, vm.OwnerWallet)
	if err != nil {
		logging.Op().Warn("billing: get pending deposits", "wallet", vm.OwnerWallet, "error", err)
		pending = 0
	}

	unsettled, err := c.Usage.ListUnsettledUsage(ctx)
	if err != nil {
		logging.Op().Warn("billing: list unsettled usage", "error", err)
		return false
	}
	var owed float64
	for _, u := range unsettled {
		if u.UserID == vm.OwnerID {
			owed += u.TotalCost
		}
	}

	return balance+pending-owed >= cost
}

// stopForInsufficientFunds sends a stop command for vm and labels the
// reason, per §4.5 step 3 / §7 "insufficient-funds". This is a best-effort
// fire-and-forget command, the same command path obligation handlers use
// (internal/obligationhandlers.enqueueCommand) but issued directly from the
// accrual loop since there is no obligation waiting on the ack here — the
// VM's own lifecycle and the next heartbeat reconcile the eventual result.
func (c *Controller) stopForInsufficientFunds(ctx context.Context, vm *domain.VirtualMachine) {
	if vm.Status != domain.VMRunning {
		return
	}
	if _, err := c.Lifecycle.Transition(ctx, vm.ID, domain.VMStopping, func(v *domain.VirtualMachine) {
		v.Label("_stopped_reason", "insufficient-funds")
	}); err != nil {
		logging.Op().Warn("billing: transition vm to stopping", "vm_id", vm.ID, "error", err)
		return
	}

	cmd := &domain.Command{
		CommandID:        store.NewID("cmd"),
		Type:             domain.CommandStopVM,
		TargetResourceID: vm.ID,
		NodeID:           vm.NodeID,
		Payload:          []byte("{}"),
		RequiresAck:      true,
	}
	if err := c.Channel.Enqueue(vm.NodeID, cmd); err != nil {
		logging.Op().Warn("billing: enqueue stop command", "vm_id", vm.ID, "error", err)
		return
	}
	if err := c.Commands.RecordCommand(ctx, cmd); err != nil {
		logging.Op().Warn("billing: record stop command", "vm_id", vm.ID, "error", err)
	}
}
