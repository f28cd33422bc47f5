// Package store is the single authoritative data store (§5 "Shared-resource
// policy": "the datastore is a single authoritative store; all cross-component
// state goes through it"). It exposes narrow repository interfaces per
// entity kind instead of raw concurrent maps (§9 re-architecture note).
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novaproto/orchestrator/internal/domain"
)

// Store is the in-memory authoritative store with secondary indices. A
// Postgres-backed durability tier (PostgresBackend) mirrors committed writes
// for crash recovery but never participates in reads on the hot path.
type Store struct {
	mu sync.RWMutex

	nodes        map[string]*domain.Node
	vms          map[string]*domain.VirtualMachine
	obligations  map[string]*domain.Obligation
	usageRecords map[string]*domain.UsageRecord
	commands     map[string]*domain.Command

	vmsByNode map[string]map[string]struct{}
	vmsByUser map[string]map[string]struct{}

	obligationsByStatus map[domain.ObligationStatus]map[string]struct{}

	backend DurabilityBackend
}

// DurabilityBackend is the write-behind persistence tier (§6 "Persisted
// state"). A nil backend means the store runs purely in-memory, which is
// sufficient for tests and for a single-process development deployment.
type DurabilityBackend interface {
	SnapshotNode(n *domain.Node) error
	SnapshotVM(vm *domain.VirtualMachine) error
	AppendObligationEvent(o *domain.Obligation, event string) error
	Close() error
}

// New creates an empty store, optionally wired to a durability backend.
func New(backend DurabilityBackend) *Store {
	return &Store{
		nodes:        make(map[string]*domain.Node),
		vms:          make(map[string]*domain.VirtualMachine),
		obligations:  make(map[string]*domain.Obligation),
		usageRecords: make(map[string]*domain.UsageRecord),
		commands:     make(map[string]*domain.Command),

		vmsByNode: make(map[string]map[string]struct{}),
		vmsByUser: make(map[string]map[string]struct{}),

		obligationsByStatus: make(map[domain.ObligationStatus]map[string]struct{}),

		backend: backend,
	}
}

// NewID generates a globally unique entity id.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func now() time.Time { return time.Now() }
