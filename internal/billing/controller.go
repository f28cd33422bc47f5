// Package billing accrues per-VM usage cost on a timer, gated on attestation
// liveness, buffers the resulting records, and settles them to the on-chain
// escrow in batches (§4.5). Follows internal/cost's accrual math shape and
// internal/eventbus's outbox batching/retry idiom, wired into this engine's
// obligation contract for the settlement step itself.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/external"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/nodechannel"
	"github.com/novaproto/orchestrator/internal/obligation"
	"github.com/novaproto/orchestrator/internal/store"
	"github.com/novaproto/orchestrator/internal/vmlifecycle"
)

const (
	defaultAccrualInterval    = 5 * time.Minute
	defaultSettlementInterval = 10 * time.Minute
)

// Config tunes the accrual/flush/settlement cadence and the platform fee
// split, all per §4.5's stated defaults.
type Config struct {
	AccrualInterval     time.Duration
	SettlementInterval  time.Duration
	BufferFlushInterval time.Duration
	BufferMaxRecords    int
	PlatformFeeBps      int
	MinSettlementAmount float64
}

// DefaultConfig returns §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		AccrualInterval:     defaultAccrualInterval,
		SettlementInterval:  defaultSettlementInterval,
		BufferFlushInterval: defaultBufferFlushInterval,
		BufferMaxRecords:    defaultBufferMaxRecords,
		PlatformFeeBps:      domain.DefaultPlatformFeeBps,
		MinSettlementAmount: domain.DefaultMinSettlementAmount,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AccrualInterval <= 0 {
		c.AccrualInterval = d.AccrualInterval
	}
	if c.SettlementInterval <= 0 {
		c.SettlementInterval = d.SettlementInterval
	}
	if c.PlatformFeeBps <= 0 {
		c.PlatformFeeBps = d.PlatformFeeBps
	}
	if c.MinSettlementAmount <= 0 {
		c.MinSettlementAmount = d.MinSettlementAmount
	}
}

// Controller owns the three timers described in §4.5: per-VM accrual, usage
// buffer flush, and settlement batching. The accrual and settlement loops
// run directly against a ticker (like internal/systemvm.Controller); the
// buffer owns its own flush ticker internally.
type Controller struct {
	VMs         store.VMRepository
	Nodes       store.NodeRepository
	Usage       store.UsageRepository
	Commands    store.CommandRepository
	Obligations store.ObligationRepository
	Channel     *nodechannel.Channel
	Lifecycle   *vmlifecycle.Manager
	Blockchain  external.BlockchainClient
	Buffer      *Buffer

	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(
	vms store.VMRepository,
	nodes store.NodeRepository,
	usage store.UsageRepository,
	commands store.CommandRepository,
	obligations store.ObligationRepository,
	channel *nodechannel.Channel,
	lifecycle *vmlifecycle.Manager,
	blockchain external.BlockchainClient,
	cfg Config,
) *Controller {
	cfg.applyDefaults()
	return &Controller{
		VMs:         vms,
		Nodes:       nodes,
		Usage:       usage,
		Commands:    commands,
		Obligations: obligations,
		Channel:     channel,
		Lifecycle:   lifecycle,
		Blockchain:  blockchain,
		Buffer:      NewBuffer(usage, cfg.BufferFlushInterval, cfg.BufferMaxRecords),
		cfg:         cfg,
	}
}

// Register wires the billing.settle-batch handler into the obligation
// engine. The accrual and settlement loops themselves run independently
// via Start, since they are driven by timers over VMs/usage records rather
// than the obligation graph (same split as internal/systemvm).
func (c *Controller) Register(e *obligation.Engine) {
	e.Register(domain.TypeSettlementBatch, obligation.HandlerFunc(c.handleSettleBatch))
}

// Start launches the buffer flush timer plus the accrual and settlement
// loops in the background.
func (c *Controller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.Buffer.Start()
	go c.accrualLoop(ctx)
	go c.settlementLoop(ctx)
	logging.Op().Info("billing controller started",
		"accrual_interval", c.cfg.AccrualInterval, "settlement_interval", c.cfg.SettlementInterval)
}

// Stop cancels both loops and flushes the buffer one last time.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.Buffer.Stop()
}

func (c *Controller) accrualLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AccrualInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAccrual(ctx)
		}
	}
}

func (c *Controller) settlementLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SettlementInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSettlement(ctx)
		}
	}
}
