// Package api implements the HTTP contracts listed in §6: VM CRUD/action
// endpoints for authenticated users, and node registration/heartbeat/command
// delivery endpoints authenticated via internal/auth's HMAC node-signature
// scheme. Every response is the {ok, error, data} envelope internal/auth
// writes (grouped there so the auth middleware's own rejections use the
// identical shape).
package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/novaproto/orchestrator/internal/auth"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/store"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

// Handler wires the HTTP layer to the control-plane collaborators. A single
// instance is shared across all registered routes, following the convention
// of one Handler per surface used by internal/api/controlplane.Handler.
type Handler struct {
	VMs         store.VMRepository
	Nodes       store.NodeRepository
	NodeSecrets auth.NodeSecretLookup
	Commands    store.CommandRepository
	Obligations store.ObligationRepository
	Channel     *nodechannel.Channel
	Lifecycle   *vmlifecycle.Manager
}

// RegisterRoutes registers every §6 HTTP contract on mux. User-originated
// routes are wrapped in auth.PrincipalMiddleware; node-originated ones in
// auth.NodeSignatureMiddleware keyed off each route's own {id} path segment.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	principal := auth.PrincipalMiddleware

	mux.Handle("POST /api/vms", principal(http.HandlerFunc(h.CreateVM)))
	mux.Handle("GET /api/vms/{id}", principal(http.HandlerFunc(h.GetVM)))
	mux.Handle("POST /api/vms/{id}/action", principal(http.HandlerFunc(h.ActionVM)))
	mux.Handle("DELETE /api/vms/{id}", principal(http.HandlerFunc(h.DeleteVM)))

	mux.HandleFunc("POST /api/nodes/register", h.RegisterNode)

	byIDPath := func(r *http.Request) string { return r.PathValue("id") }
	nodeSig := auth.NodeSignatureMiddleware(h.NodeSecrets, byIDPath)

	mux.Handle("POST /api/nodes/{id}/heartbeat", nodeSig(http.HandlerFunc(h.Heartbeat)))
	mux.Handle("POST /api/nodes/{id}/commands/{cmdId}/acknowledge", nodeSig(http.HandlerFunc(h.AcknowledgeCommand)))
	mux.Handle("POST /api/nodes/{id}/commands/dequeue", nodeSig(http.HandlerFunc(h.DequeueCommands)))
}

// generateNodeSecret issues a fresh HMAC shared secret at registration time
// (§6 "Node-originated endpoints use HMAC-SHA256 signatures").
func generateNodeSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
