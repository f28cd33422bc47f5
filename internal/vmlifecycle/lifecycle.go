// Package vmlifecycle owns the VM status state machine and the node
// resource release that follows a VM reaching a terminal state (§3 VM
// lifecycle, §4.2 "Reservation... released when the VM reaches a terminal
// state (Deleted or Error after a grace window) or when the node is
// declared lost").
package vmlifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/store"
)

// NodeReleaser is the narrow store dependency needed to reverse a prior
// scheduler reservation.
type NodeReleaser interface {
	ReleaseOnNode(ctx context.Context, nodeID string, points, memoryBytes, storageBytes int64) error
}

// Config tunes the terminal-state release behavior.
type Config struct {
	// ErrorReleaseGrace is how long a VM may sit in Error before its node
	// reservation is released, giving a retry obligation a window to recover
	// the VM without losing its place on the node.
	ErrorReleaseGrace time.Duration
}

// DefaultConfig returns the package's default grace window.
func DefaultConfig() Config {
	return Config{ErrorReleaseGrace: 15 * time.Minute}
}

// Manager validates and applies VM status transitions and arranges resource
// release on terminal states.
type Manager struct {
	vms   store.VMRepository
	nodes NodeReleaser
	cfg   Config

	mu           sync.Mutex
	pendingGrace map[string]*time.Timer // vmId -> scheduled Error-state release
}

func New(vms store.VMRepository, nodes NodeReleaser, cfg Config) *Manager {
	if cfg.ErrorReleaseGrace <= 0 {
		cfg.ErrorReleaseGrace = DefaultConfig().ErrorReleaseGrace
	}
	return &Manager{
		vms:          vms,
		nodes:        nodes,
		cfg:          cfg,
		pendingGrace: make(map[string]*time.Timer),
	}
}

// Transition moves vm to next, running apply (if non-nil) inside the same
// atomic store mutation to set any accompanying fields (e.g. network config
// on Running, an error message on Error). On entering Deleted the node
// reservation is released immediately; on entering Error it is released
// after Config.ErrorReleaseGrace unless the VM leaves Error first.
func (m *Manager) Transition(ctx context.Context, vmID string, next domain.VMStatus, apply func(*domain.VirtualMachine)) (*domain.VirtualMachine, error) {
	updated, err := m.vms.UpdateVM(ctx, vmID, func(vm *domain.VirtualMachine) error {
		if !vm.CanTransition(next) {
			return domain.Conflict("vm %s cannot transition %s -> %s", vmID, vm.Status, next)
		}
		vm.Status = next
		if apply != nil {
			apply(vm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch next {
	case domain.VMDeleted:
		m.cancelGrace(vmID)
		m.release(ctx, updated)
	case domain.VMError:
		m.scheduleGraceRelease(vmID, updated)
		metrics.Global().RecordVMCrashed()
	case domain.VMRunning:
		m.cancelGrace(vmID)
		metrics.Global().RecordVMCreated()
	case domain.VMStopped:
		m.cancelGrace(vmID)
		metrics.Global().RecordVMStopped()
	default:
		// Leaving Error for any other status cancels a pending release.
		m.cancelGrace(vmID)
	}

	return updated, nil
}

func (m *Manager) release(ctx context.Context, vm *domain.VirtualMachine) {
	if vm.NodeID == "" {
		return
	}
	if err := m.nodes.ReleaseOnNode(ctx, vm.NodeID, vm.Spec.ComputePointCost, vm.Spec.MemoryBytes, vm.Spec.DiskBytes); err != nil {
		logging.Op().Error("release node reservation", "vm_id", vm.ID, "node_id", vm.NodeID, "error", err)
	}
}

func (m *Manager) scheduleGraceRelease(vmID string, vm *domain.VirtualMachine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, scheduled := m.pendingGrace[vmID]; scheduled {
		return
	}
	m.pendingGrace[vmID] = time.AfterFunc(m.cfg.ErrorReleaseGrace, func() {
		m.mu.Lock()
		delete(m.pendingGrace, vmID)
		m.mu.Unlock()

		ctx := context.Background()
		current, err := m.vms.GetVM(ctx, vmID)
		if err != nil || current.Status != domain.VMError {
			// VM recovered, was deleted, or no longer exists; nothing to do.
			return
		}
		m.release(ctx, current)
	})
}

func (m *Manager) cancelGrace(vmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.pendingGrace[vmID]; ok {
		timer.Stop()
		delete(m.pendingGrace, vmID)
	}
}
