package store

import "context"

// Restore repopulates the in-memory store from a durability backend's
// snapshots and obligation event log on process start, implementing the
// read half of §4.1 "Crash recovery": "the engine rebuilds the graph from
// persisted obligations. Obligations in Running are reset to Ready."
func (s *Store) Restore(ctx context.Context, backend *PostgresBackend) error {
	nodes, err := backend.LoadNodes(ctx)
	if err != nil {
		return err
	}
	vms, err := backend.LoadVMs(ctx)
	if err != nil {
		return err
	}
	obligations, err := backend.LoadObligationsForRecovery(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	for _, vm := range vms {
		s.vms[vm.ID] = vm
		s.indexVM(vm)
	}
	for _, o := range obligations {
		s.obligations[o.ID] = o
		s.indexObligationStatus(o.ID, "", o.Status)
	}
	return nil
}
