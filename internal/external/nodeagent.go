package external

import (
	"context"
	"net/http"
	"time"

	"github.com/novaproto/orchestrator/internal/circuitbreaker"
	"github.com/novaproto/orchestrator/internal/domain"
)

// HTTPNodeAgentClient pushes a command straight to a node agent's HTTP
// endpoint for agents that support push delivery, bypassing the long-poll
// queue in internal/nodechannel (§6 "used for push delivery... falls back
// to the long-poll queue otherwise" — the fallback decision is the caller's,
// not this client's).
//
// Breakers are tracked per node via a Registry rather than one shared
// breaker, so a single unreachable node can't suppress push delivery to
// every other node.
type HTTPNodeAgentClient struct {
	client   *http.Client
	breakers *circuitbreaker.Registry
}

func NewHTTPNodeAgentClient() *HTTPNodeAgentClient {
	return &HTTPNodeAgentClient{
		client:   &http.Client{Timeout: 5 * time.Second},
		breakers: circuitbreaker.NewRegistry(),
	}
}

func (c *HTTPNodeAgentClient) SendCommand(ctx context.Context, nodeID, nodeURL string, cmd domain.NodeCommand) error {
	breaker := c.breakers.Get(nodeID, breakerConfig())
	if breaker != nil && !breaker.Allow() {
		return ErrBreakerOpen
	}
	err := httpJSON(ctx, c.client, http.MethodPost, nodeURL+"/commands", "", cmd, nil)
	if breaker == nil {
		return err
	}
	if err != nil {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	return err
}
