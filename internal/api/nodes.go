package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/novaproto/orchestrator/internal/auth"
	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/obligationhandlers"
	"github.com/novaproto/orchestrator/internal/scheduler"
)

type registerNodeRequest struct {
	Wallet         string                    `json:"wallet"`
	PublicIP       string                    `json:"public_ip"`
	AgentPort      int                       `json:"agent_port"`
	Region         string                    `json:"region"`
	Zone           string                    `json:"zone,omitempty"`
	Hardware       domain.HardwareInventory  `json:"hardware"`
	BenchmarkScore float64                   `json:"benchmark_score"`
	AllowedTiers   []domain.QualityTier      `json:"allowed_tiers"`
	PricePerPoint  float64                   `json:"price_per_point"`
}

// RegisterNode handles POST /api/nodes/register. It issues the node's HMAC
// secret once — callers must persist it, since the orchestrator never
// serializes it back out afterward (§6).
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.Wallet == "" || req.PublicIP == "" || req.Region == "" {
		auth.WriteError(w, http.StatusBadRequest, "validation", "wallet, public_ip, and region are required")
		return
	}
	if req.Hardware.PhysicalCores <= 0 {
		auth.WriteError(w, http.StatusBadRequest, "validation", "hardware.physical_cores must be positive")
		return
	}
	if req.BenchmarkScore <= 0 {
		req.BenchmarkScore = scheduler.BaselineBenchmark
	}

	secret, err := generateNodeSecret()
	if err != nil {
		writeErr(w, domain.Internal(err, "generate node secret"))
		return
	}

	n := &domain.Node{
		Wallet:    req.Wallet,
		PublicIP:  req.PublicIP,
		AgentPort: req.AgentPort,
		Region:    req.Region,
		Zone:      req.Zone,
		Secret:    secret,
		Hardware:  req.Hardware,
		Evaluation: domain.PerformanceEvaluation{
			BenchmarkScore: req.BenchmarkScore,
			AllowedTiers:   req.AllowedTiers,
		},
		Total: domain.ResourceCounters{
			ComputePoints: scheduler.TotalComputePoints(req.Hardware.PhysicalCores, req.BenchmarkScore),
			MemoryBytes:   req.Hardware.MemoryBytes,
			StorageBytes:  req.Hardware.TotalDiskBytes(),
		},
		PricePerPoint: req.PricePerPoint,
		State:         domain.NodeOnline,
	}
	if err := h.Nodes.CreateNode(r.Context(), n); err != nil {
		writeErr(w, err)
		return
	}
	metrics.Global().RecordNodeRegistered()

	auth.WriteData(w, http.StatusCreated, map[string]any{
		"id":     n.ID,
		"secret": secret,
	})
}

// Heartbeat handles POST /api/nodes/{id}/heartbeat: marks the node Online,
// stamps LastHeartbeatAt, and returns any commands already queued for the
// node (§6 "Returns commands-to-execute"). The body must be valid JSON, but
// the capacity figures it reports are not stored on the node.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var hb domain.NodeHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	if _, err := h.Nodes.UpdateNode(r.Context(), nodeID, func(n *domain.Node) error {
		n.LastHeartbeatAt = time.Now()
		if n.State != domain.NodeOnline {
			n.State = domain.NodeOnline
		}
		return nil
	}); err != nil {
		writeErr(w, err)
		return
	}
	metrics.Global().RecordHeartbeat()

	// A heartbeat piggybacks already-queued commands rather than long-polling
	// for new ones — waitMs=1 makes this a near-immediate drain, leaving the
	// 30s long-poll to the dedicated dequeue endpoint below.
	commands := h.Channel.DequeueBlocking(nodeID, 1, 16)
	wire := make([]domain.NodeCommand, 0, len(commands))
	for _, c := range commands {
		wire = append(wire, domain.NodeCommand{
			CommandID:        c.CommandID,
			Type:             c.Type,
			Payload:          c.Payload,
			TargetResourceID: c.TargetResourceID,
			RequiresAck:      c.RequiresAck,
			ExpiresAt:        c.ExpiresAt,
		})
	}
	auth.WriteData(w, http.StatusOK, map[string]any{"commands": wire})
}

// AcknowledgeCommand handles POST /api/nodes/{id}/commands/{cmdId}/acknowledge.
// It applies the ack's result to the target VM before the channel fires the
// commandAck:{cmdId} signal, so any obligation resuming on that signal sees
// the VM already in its post-ack state (§4.3 step 2).
func (h *Handler) AcknowledgeCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	cmdID := r.PathValue("cmdId")

	var ack domain.CommandAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	ack.CommandID = cmdID

	cmd, err := h.Commands.GetCommand(r.Context(), cmdID)
	if err != nil {
		writeErr(w, err)
		return
	}

	// A replayed ack for an already-acknowledged command is dropped: the
	// result is not applied again and no signal is fired again.
	if cmd.AckedAt != nil {
		auth.WriteData(w, http.StatusOK, map[string]any{"acknowledged": true})
		return
	}

	if err := obligationhandlers.ApplyCommandResult(r.Context(), h.VMs, h.Lifecycle, cmd, ack); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.Commands.MarkCommandAcked(r.Context(), cmdID); err != nil {
		writeErr(w, err)
		return
	}

	logCommandAck(cmd, ack, nodeID)

	found, alreadyAcked := h.Channel.Acknowledge(cmdID, ack)
	if !found && !alreadyAcked {
		writeErr(w, domain.NotFound("command %s not pending", cmdID))
		return
	}

	auth.WriteData(w, http.StatusOK, map[string]any{"acknowledged": true})
}

// DequeueCommands handles POST /api/nodes/{id}/commands/dequeue: a 30s
// long-poll for newly queued commands (§6).
func (h *Handler) DequeueCommands(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	commands := h.Channel.DequeueBlocking(nodeID, int64(domain.DefaultLongPollTimeout.Milliseconds()), 16)
	wire := make([]domain.NodeCommand, 0, len(commands))
	for _, c := range commands {
		wire = append(wire, domain.NodeCommand{
			CommandID:        c.CommandID,
			Type:             c.Type,
			Payload:          c.Payload,
			TargetResourceID: c.TargetResourceID,
			RequiresAck:      c.RequiresAck,
			ExpiresAt:        c.ExpiresAt,
		})
	}
	auth.WriteData(w, http.StatusOK, map[string]any{"commands": wire})
}

// logCommandAck records an acknowledged command to the audit log and, when
// the node reported result data, to the command-result store.
func logCommandAck(cmd *domain.Command, ack domain.CommandAck, nodeID string) {
	logging.DefaultCommandLogger().Log(&logging.CommandLog{
		CommandID:  cmd.CommandID,
		NodeID:     nodeID,
		TargetID:   cmd.TargetResourceID,
		Type:       string(cmd.Type),
		DurationMs: time.Since(cmd.QueuedAt).Milliseconds(),
		Success:    ack.Success,
		Error:      ack.ErrorMessage,
	})

	if len(ack.ResultData) > 0 {
		if store := logging.GetCommandResultStore(); store != nil {
			data, err := json.Marshal(ack.ResultData)
			if err == nil {
				store.Store(cmd.CommandID, nodeID, string(data))
			}
		}
	}
}
