package external

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/novaproto/orchestrator/internal/circuitbreaker"
)

// HTTPBlockchainClient talks to a settlement-chain sidecar/bridge over HTTP.
// The actual chain integration (which chain, which contract) is out of
// scope (§1); this client only needs to satisfy the four operations the
// billing obligations call.
type HTTPBlockchainClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

func NewHTTPBlockchainClient(baseURL string) *HTTPBlockchainClient {
	return &HTTPBlockchainClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(breakerConfig()),
	}
}

// SetAuthToken attaches a bearer credential to every subsequent request,
// typically a bridge API key resolved out of the encrypted secrets store
// at startup rather than held in plaintext config.
func (c *HTTPBlockchainClient) SetAuthToken(token string) {
	c.authToken = token
}

func (c *HTTPBlockchainClient) GetEscrowBalance(ctx context.Context, walletAddress string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if !c.breaker.Allow() {
		return 0, ErrBreakerOpen
	}
	err := httpJSON(ctx, c.client, http.MethodGet, fmt.Sprintf("%s/escrow/%s", c.baseURL, walletAddress), c.authToken, nil, &out)
	c.record(err)
	return out.Balance, err
}

func (c *HTTPBlockchainClient) GetPendingDeposits(ctx context.Context, walletAddress string) (float64, error) {
	var out struct {
		Pending float64 `json:"pending"`
	}
	if !c.breaker.Allow() {
		return 0, ErrBreakerOpen
	}
	err := httpJSON(ctx, c.client, http.MethodGet, fmt.Sprintf("%s/deposits/%s", c.baseURL, walletAddress), c.authToken, nil, &out)
	c.record(err)
	return out.Pending, err
}

func (c *HTTPBlockchainClient) ReportUsage(ctx context.Context, userWallet, nodeWallet string, amount float64, vmID string) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if !c.breaker.Allow() {
		return "", ErrBreakerOpen
	}
	req := map[string]any{
		"user_wallet": userWallet,
		"node_wallet": nodeWallet,
		"amount":      amount,
		"vm_id":       vmID,
	}
	err := httpJSON(ctx, c.client, http.MethodPost, c.baseURL+"/usage", c.authToken, req, &out)
	c.record(err)
	return out.TxHash, err
}

func (c *HTTPBlockchainClient) BatchReportUsage(ctx context.Context, userWallets, nodeWallets []string, amounts []float64, vmIDs []string) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if !c.breaker.Allow() {
		return "", ErrBreakerOpen
	}
	req := map[string]any{
		"user_wallets": userWallets,
		"node_wallets": nodeWallets,
		"amounts":      amounts,
		"vm_ids":       vmIDs,
	}
	err := httpJSON(ctx, c.client, http.MethodPost, c.baseURL+"/usage/batch", c.authToken, req, &out)
	c.record(err)
	return out.TxHash, err
}

func (c *HTTPBlockchainClient) record(err error) {
	if err != nil {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
}
