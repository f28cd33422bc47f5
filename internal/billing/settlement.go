package billing

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// settlementGroupKey groups unsettled usage by (userId, nodeId), per §4.5
// "Settlement batches".
type settlementGroupKey struct {
	UserID string
	NodeID string
}

// batchItem is one usage record's contribution to a settlement batch,
// carrying its already-resolved wallets so the obligation handler never
// needs a second lookup to retry (crash-recovery idempotency, as elsewhere
// in this codebase).
type batchItem struct {
	UsageID    string  `json:"usage_id"`
	VMID       string  `json:"vm_id"`
	UserWallet string  `json:"user_wallet"`
	NodeWallet string  `json:"node_wallet"`
	Amount     float64 `json:"amount"`
}

// runSettlement groups unsettled usage into (userId, nodeId) batches,
// drops any batch below the minimum settlement amount, and submits one
// billing.settle-batch obligation per remaining batch. The obligation
// engine, not this ticker, owns the actual on-chain submission and its
// retries (§6 "retries handled by a dedicated settlement obligation").
func (c *Controller) runSettlement(ctx context.Context) {
	unsettled, err := c.Usage.ListUnsettledUsage(ctx)
	if err != nil {
		logging.Op().Error("billing: list unsettled usage for settlement", "error", err)
		return
	}

	groups := make(map[settlementGroupKey][]*domain.UsageRecord)
	for _, u := range unsettled {
		key := settlementGroupKey{UserID: u.UserID, NodeID: u.NodeID}
		groups[key] = append(groups[key], u)
	}

	for key, records := range groups {
		var sum float64
		for _, u := range records {
			sum += u.TotalCost
		}
		if sum < c.cfg.MinSettlementAmount {
			continue
		}
		if err := c.submitSettlementBatch(ctx, key, records); err != nil {
			logging.Op().Warn("billing: submit settlement batch", "user", key.UserID, "node", key.NodeID, "error", err)
		}
	}
}

func (c *Controller) submitSettlementBatch(ctx context.Context, key settlementGroupKey, records []*domain.UsageRecord) error {
	userWallet, nodeWallet, err := c.resolveWallets(ctx, key, records[0])
	if err != nil {
		return err
	}

	items := make([]batchItem, 0, len(records))
	for _, u := range records {
		items = append(items, batchItem{
			UsageID:    u.ID,
			VMID:       u.VMID,
			UserWallet: userWallet,
			NodeWallet: nodeWallet,
			Amount:     u.TotalCost,
		})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}

	obl := &domain.Obligation{
		Type:         domain.TypeSettlementBatch,
		ResourceType: "usage-batch",
		ResourceID:   key.UserID + ":" + key.NodeID,
		Priority:     3,
		Data:         map[string]string{"batch": string(payload)},
	}
	return c.Obligations.CreateObligation(ctx, obl)
}

// resolveWallets looks up the owner's and node's wallet addresses once per
// batch, from the first record's VM/node (all records in a group share the
// same userId/nodeId, hence the same wallets).
func (c *Controller) resolveWallets(ctx context.Context, key settlementGroupKey, sample *domain.UsageRecord) (userWallet, nodeWallet string, err error) {
	vm, err := c.VMs.GetVM(ctx, sample.VMID)
	if err != nil {
		return "", "", err
	}
	node, err := c.Nodes.GetNode(ctx, key.NodeID)
	if err != nil {
		return "", "", err
	}
	return vm.OwnerWallet, node.Wallet, nil
}

// handleSettleBatch is the billing.settle-batch obligation handler: it
// submits the batch's accumulated usage to the blockchain adapter and, on
// success, marks every included record settled with the returned tx hash.
// A failed on-chain call asks for a retry; the next engine tick resubmits
// the same batch data, so no wallet lookup is repeated.
func (c *Controller) handleSettleBatch(ctx context.Context, o *domain.Obligation) obligation.Result {
	var items []batchItem
	if err := json.Unmarshal([]byte(o.DataValue("batch")), &items); err != nil {
		return obligation.Fail("decode settlement batch: " + err.Error())
	}
	if len(items) == 0 {
		return obligation.Completed("empty settlement batch")
	}

	userWallets := make([]string, len(items))
	nodeWallets := make([]string, len(items))
	amounts := make([]float64, len(items))
	vmIDs := make([]string, len(items))
	ids := make([]string, len(items))
	for i, it := range items {
		userWallets[i] = it.UserWallet
		nodeWallets[i] = it.NodeWallet
		amounts[i] = it.Amount
		vmIDs[i] = it.VMID
		ids[i] = it.UsageID
	}

	var txHash string
	var err error
	if len(items) == 1 {
		txHash, err = c.Blockchain.ReportUsage(ctx, userWallets[0], nodeWallets[0], amounts[0], vmIDs[0])
	} else {
		txHash, err = c.Blockchain.BatchReportUsage(ctx, userWallets, nodeWallets, amounts, vmIDs)
	}
	if err != nil {
		metrics.Global().RecordSettlement(false)
		return obligation.Retry("blockchain settlement call: " + err.Error())
	}

	if err := c.Usage.MarkSettled(ctx, ids, txHash); err != nil {
		metrics.Global().RecordSettlement(false)
		return obligation.Retry("mark settled: " + err.Error())
	}
	metrics.Global().RecordSettlement(true)
	return obligation.Completed("settled " + strconv.Itoa(len(ids)) + " usage records")
}
