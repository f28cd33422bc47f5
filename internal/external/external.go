// Package external declares the interfaces the core consumes for the three
// outside collaborators named in §6 — BlockchainClient, IngressConfigApplier,
// NodeAgentClient — and provides HTTP-based default implementations wrapped
// in a circuit breaker so a flaky collaborator degrades to fast failures
// instead of stalling obligation handlers.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/novaproto/orchestrator/internal/circuitbreaker"
	"github.com/novaproto/orchestrator/internal/domain"
)

// BlockchainClient is the settlement-chain collaborator (§6).
type BlockchainClient interface {
	GetEscrowBalance(ctx context.Context, walletAddress string) (float64, error)
	GetPendingDeposits(ctx context.Context, walletAddress string) (float64, error)
	ReportUsage(ctx context.Context, userWallet, nodeWallet string, amount float64, vmID string) (txHash string, err error)
	BatchReportUsage(ctx context.Context, userWallets, nodeWallets []string, amounts []float64, vmIDs []string) (txHash string, err error)
}

// IngressRoute is one entry of the full-config ingress upload (§6
// "IngressConfigApplier... idempotent full-config upload model").
type IngressRoute struct {
	Subdomain    string `json:"subdomain"`
	CustomDomain string `json:"custom_domain,omitempty"`
	TargetNodeIP string `json:"target_node_ip"`
	TargetPort   int    `json:"target_port"`
	VMID         string `json:"vm_id"`
}

// IngressConfigApplier pushes the desired ingress routing table (§6).
type IngressConfigApplier interface {
	ApplyRoutes(ctx context.Context, routes []IngressRoute) error
	RemoveRoute(ctx context.Context, subdomain string) error
}

// NodeAgentClient pushes a command directly to a node agent's HTTP endpoint,
// used when the agent supports push delivery as an alternative to the
// long-poll queue (§6).
type NodeAgentClient interface {
	SendCommand(ctx context.Context, nodeID, nodeURL string, cmd domain.NodeCommand) error
}

// breakerConfig is the shared circuit-breaker tuning for all three HTTP
// collaborators: trip at 50% errors over a 30s window, stay open 15s, probe
// once before closing.
func breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: 30 * time.Second,
		OpenDuration:   15 * time.Second,
		HalfOpenProbes: 1,
	}
}

// ErrBreakerOpen is returned in place of a collaborator call when its
// circuit breaker has tripped.
var ErrBreakerOpen = domain.TransientExternal(nil, "circuit breaker open")

// httpJSON issues method/url with body marshaled as JSON (if non-nil),
// decodes the response into out (if non-nil), and treats non-2xx as a
// TransientExternal error (§7: "external collaborator failures ... wrapped
// as TransientExternal"). authToken, when non-empty, is sent as a bearer
// credential so the bridge/ingress tier can tell this orchestrator apart
// from an unauthenticated caller.
func httpJSON(ctx context.Context, client *http.Client, method, url, authToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.Internal(err, "marshal request body")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return domain.Internal(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.TransientExternal(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TransientExternal(fmt.Errorf("status %d: %s", resp.StatusCode, respBody), "%s %s", method, url)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return domain.Internal(err, "decode response body")
		}
	}
	return nil
}
