package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novaproto/orchestrator/internal/domain"
)

// PostgresBackend is the write-behind durability tier described in §6
// "Persisted state": a snapshot of current entity state plus an append-only
// event log of obligation transitions for crash recovery. It never serves
// reads on the hot path — the in-memory Store remains authoritative (§5).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	b := &PostgresBackend{pool: pool}
	if err := b.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_snapshots (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			version INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vm_snapshots (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			version INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS obligation_events (
			seq BIGSERIAL PRIMARY KEY,
			obligation_id TEXT NOT NULL,
			event TEXT NOT NULL,
			data JSONB NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_obligation_events_obl ON obligation_events(obligation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SnapshotNode upserts the node's current full state.
func (b *PostgresBackend) SnapshotNode(n *domain.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO node_snapshots (id, data, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = $2, version = $3, updated_at = $4
	`, n.ID, data, n.Version, time.Now())
	return err
}

// SnapshotVM upserts the VM's current full state.
func (b *PostgresBackend) SnapshotVM(vm *domain.VirtualMachine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("marshal vm: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO vm_snapshots (id, data, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = $2, version = $3, updated_at = $4
	`, vm.ID, data, vm.Version, time.Now())
	return err
}

// AppendObligationEvent appends one row to the append-only obligation event
// log, used to rebuild the graph and the Running→Ready crash-recovery reset
// on restart (§4.1 "Crash recovery").
func (b *PostgresBackend) AppendObligationEvent(o *domain.Obligation, event string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal obligation: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO obligation_events (obligation_id, event, data, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, o.ID, event, data, time.Now())
	return err
}

// LoadObligationsForRecovery replays the latest event per obligation id,
// resetting any that were Running at crash time back to Ready (§4.1).
func (b *PostgresBackend) LoadObligationsForRecovery(ctx context.Context) ([]*domain.Obligation, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT DISTINCT ON (obligation_id) obligation_id, data
		FROM obligation_events
		ORDER BY obligation_id, seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query obligation events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Obligation
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var o domain.Obligation
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("unmarshal obligation %s: %w", id, err)
		}
		if o.Status == domain.ObligationRunning {
			o.Status = domain.ObligationReady
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// LoadNodes replays the latest snapshot per node id.
func (b *PostgresBackend) LoadNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM node_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query node snapshots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Node
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var n domain.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// LoadVMs replays the latest snapshot per VM id.
func (b *PostgresBackend) LoadVMs(ctx context.Context) ([]*domain.VirtualMachine, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM vm_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query vm snapshots: %w", err)
	}
	defer rows.Close()

	var out []*domain.VirtualMachine
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var vm domain.VirtualMachine
		if err := json.Unmarshal(raw, &vm); err != nil {
			return nil, err
		}
		out = append(out, &vm)
	}
	return out, rows.Err()
}
