// Package nodechannel implements the per-node command delivery channel
// (§4.3): a single-consumer FIFO per node, long-poll dequeue, and a
// pending-ack registry that routes agent acknowledgments back to the
// obligation engine via the signal bus.
package nodechannel

import (
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/signalbus"
)

// Config tunes the channel's queueing and expiry behavior.
type Config struct {
	MaxQueueDepth  int
	DefaultExpiry  time.Duration
	SweepInterval  time.Duration
	ReAckWindow    time.Duration
}

// DefaultConfig returns the default tuning values (§4.3, §8).
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth: domain.DefaultMaxQueueDepth,
		DefaultExpiry: domain.DefaultCommandExpiry,
		SweepInterval: 15 * time.Second,
		ReAckWindow:   domain.ReAckWindow,
	}
}

type nodeQueue struct {
	mu      sync.Mutex
	items   []*domain.Command
	waiters []chan struct{}
}

// pendingAck is a registry entry for a command awaiting acknowledgment.
type pendingAck struct {
	command  *domain.Command
	acked    bool
	ackedAt  time.Time
}

// Channel owns per-node queues and the pending-ack registry.
type Channel struct {
	cfg Config
	bus *signalbus.Bus

	mu       sync.Mutex
	queues   map[string]*nodeQueue
	pending  map[string]*pendingAck // commandId -> entry

	stopCh chan struct{}
}

// New creates a Channel. The signal bus is used to wake obligations waiting
// on commandAck:{commandId} signals.
func New(bus *signalbus.Bus, cfg Config) *Channel {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = domain.DefaultMaxQueueDepth
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = domain.DefaultCommandExpiry
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.ReAckWindow <= 0 {
		cfg.ReAckWindow = domain.ReAckWindow
	}
	return &Channel{
		cfg:     cfg,
		bus:     bus,
		queues:  make(map[string]*nodeQueue),
		pending: make(map[string]*pendingAck),
		stopCh:  make(chan struct{}),
	}
}

func (c *Channel) queueFor(nodeID string) *nodeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[nodeID]
	if !ok {
		q = &nodeQueue{}
		c.queues[nodeID] = q
	}
	return q
}

// ErrQueueFull is returned by Enqueue when a node's queue is at capacity
// (§8 "enqueue over max returns Conflict").
var ErrQueueFull = domain.Conflict("node command queue at capacity")

// Enqueue appends a command to a node's FIFO. If requiresAck, it is also
// registered in the pending-ack table with the channel's default expiry
// unless the command specifies its own.
func (c *Channel) Enqueue(nodeID string, cmd *domain.Command) error {
	q := c.queueFor(nodeID)

	q.mu.Lock()
	if len(q.items) >= c.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now()
	}
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = cmd.QueuedAt.Add(c.cfg.DefaultExpiry)
	}
	cmd.NodeID = nodeID
	q.items = append(q.items, cmd)
	waiters := q.waiters
	q.waiters = nil
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetNodeQueueDepth(nodeID, depth)

	if cmd.RequiresAck {
		c.mu.Lock()
		c.pending[cmd.CommandID] = &pendingAck{command: cmd}
		c.mu.Unlock()
	}

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// DequeueBlocking blocks up to waitMs (or the channel default) until at
// least one command is queued for nodeId, returning up to maxBatch of them
// in enqueue order (§4.3 "Multiple commands in a single poll are allowed").
func (c *Channel) DequeueBlocking(nodeID string, waitMs int64, maxBatch int) []*domain.Command {
	if maxBatch <= 0 {
		maxBatch = 16
	}
	timeout := time.Duration(waitMs) * time.Millisecond
	if timeout <= 0 {
		timeout = domain.DefaultLongPollTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		q := c.queueFor(nodeID)
		q.mu.Lock()
		if len(q.items) > 0 {
			n := maxBatch
			if n > len(q.items) {
				n = len(q.items)
			}
			batch := q.items[:n]
			q.items = q.items[n:]
			q.mu.Unlock()

			now := time.Now()
			for _, cmd := range batch {
				t := now
				cmd.DeliveredAt = &t
			}
			return batch
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		q.waiters = append(q.waiters, wait)
		q.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-time.After(remaining):
			return nil
		}
	}
}

// QueueDepth reports the current FIFO length for a node, used by metrics
// and the backpressure check.
func (c *Channel) QueueDepth(nodeID string) int {
	q := c.queueFor(nodeID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Acknowledge applies an agent's ack, fires the commandAck signal exactly
// once per terminal outcome, and is a no-op for an already-acked command
// within the re-ack window (§4.3, §8 property 5).
//
// The caller (the HTTP handler in internal/api) is responsible for applying
// the ack's result to the target entity before or after calling this — this
// function only governs registry/signal bookkeeping.
func (c *Channel) Acknowledge(commandID string, ack domain.CommandAck) (found bool, alreadyAcked bool) {
	c.mu.Lock()
	entry, ok := c.pending[commandID]
	if !ok {
		c.mu.Unlock()
		return false, false
	}
	if entry.acked {
		alreadyAcked = time.Since(entry.ackedAt) <= c.cfg.ReAckWindow
		c.mu.Unlock()
		return true, alreadyAcked
	}
	entry.acked = true
	entry.ackedAt = time.Now()
	// The acked entry stays registered so a re-ack within the window is
	// recognised; entries acked longer ago than the window are dropped here.
	for id, e := range c.pending {
		if e.acked && time.Since(e.ackedAt) > c.cfg.ReAckWindow {
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	metrics.RecordCommandRoundTrip(string(entry.command.Type), time.Since(entry.command.QueuedAt).Milliseconds())

	c.bus.Fire(domain.SignalKeyForCommandAck(commandID), domain.AckOutcome{
		CommandID:    commandID,
		Success:      ack.Success,
		ErrorMessage: ack.ErrorMessage,
		ResultData:   ack.ResultData,
	})
	return true, false
}

// Pending reports whether commandID is still awaiting an ack (i.e. a handler
// resuming after WaitForSignal can tell "still outstanding" from "acked or
// expired" without inspecting the signal payload, which the engine does not
// forward — §4.1 crash recovery: "must re-issue or check for the underlying
// condition").
func (c *Channel) Pending(commandID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[commandID]
	return ok && !entry.acked
}

// StartExpirySweeper launches the background sweeper that expires stale
// pending acks (§4.3 "Expiry"). Stop via StopSweeper.
func (c *Channel) StartExpirySweeper() {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

func (c *Channel) sweepExpired() {
	now := time.Now()

	c.mu.Lock()
	var expired []string
	for id, entry := range c.pending {
		if !entry.acked && now.After(entry.command.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, id := range expired {
		logging.Op().Warn("command expired without ack", "command_id", id)
		c.bus.Fire(domain.SignalKeyForCommandAck(id), domain.AckOutcome{
			CommandID: id,
			Expired:   true,
		})
	}
}

// StopSweeper stops the background expiry sweeper.
func (c *Channel) StopSweeper() {
	close(c.stopCh)
}
