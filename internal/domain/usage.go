package domain

import "time"

// UsageRecord is a per-billing-period accrual entry (§3, §4.5).
type UsageRecord struct {
	ID          string    `json:"id"`
	VMID        string    `json:"vm_id"`
	UserID      string    `json:"user_id"`
	NodeID      string    `json:"node_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalCost   float64 `json:"total_cost"`
	NodeShare   float64 `json:"node_share"`
	PlatformFee float64 `json:"platform_fee"`

	AttestationVerified bool   `json:"attestation_verified"`
	SettledOnChain      bool   `json:"settled_on_chain"`
	SettlementTxHash    string `json:"settlement_tx_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DefaultPlatformFeeBps is the default platform-fee fraction in basis points
// (15%, per §3 "platform-fee fraction fixed in config (default 15%)").
const DefaultPlatformFeeBps = 1500

// SplitCost derives nodeShare/platformFee from totalCost and a basis-points
// fee, enforcing the invariant nodeShare + platformFee = totalCost (§3, §8
// property 2).
func SplitCost(totalCost float64, platformFeeBps int) (nodeShare, platformFee float64) {
	platformFee = totalCost * float64(platformFeeBps) / 10000
	nodeShare = totalCost - platformFee
	return nodeShare, platformFee
}

// DefaultMinSettlementAmount is the minimum batched sum (USDC) before a
// settlement batch is submitted on-chain (§4.5).
const DefaultMinSettlementAmount = 1.0
