package store

import (
	"context"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
)

// ObligationRepository is the narrow interface the obligation engine depends
// on (§9 re-architecture note; §2 "indexed lookups... obligations-by-status").
type ObligationRepository interface {
	CreateObligation(ctx context.Context, o *domain.Obligation) error
	GetObligation(ctx context.Context, id string) (*domain.Obligation, error)
	ListActiveObligations(ctx context.Context) ([]*domain.Obligation, error)
	ListObligationsByStatus(ctx context.Context, status domain.ObligationStatus) ([]*domain.Obligation, error)
	ListObligationsForResource(ctx context.Context, resourceType, resourceID string) ([]*domain.Obligation, error)
	UpdateObligation(ctx context.Context, id string, mutate func(*domain.Obligation) error) (*domain.Obligation, error)
	PruneCompletedBefore(ctx context.Context, cutoffSeconds int64) (int, error)
}

func (s *Store) CreateObligation(ctx context.Context, o *domain.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = NewID("obl")
	}
	if _, exists := s.obligations[o.ID]; exists {
		return domain.Conflict("obligation %s already exists", o.ID)
	}
	if o.Status == "" {
		o.Status = domain.ObligationPending
	}
	o.CreatedAt = now()
	o.Version = 1
	s.obligations[o.ID] = o
	s.indexObligationStatus(o.ID, "", o.Status)

	if o.ParentID != "" {
		if parent, ok := s.obligations[o.ParentID]; ok {
			parent.ChildrenIDs = append(parent.ChildrenIDs, o.ID)
		}
	}

	if s.backend != nil {
		_ = s.backend.AppendObligationEvent(o, "created")
	}
	return nil
}

func (s *Store) indexObligationStatus(id string, prev, next domain.ObligationStatus) {
	if prev != "" {
		if set := s.obligationsByStatus[prev]; set != nil {
			delete(set, id)
		}
	}
	if s.obligationsByStatus[next] == nil {
		s.obligationsByStatus[next] = make(map[string]struct{})
	}
	s.obligationsByStatus[next][id] = struct{}{}
}

func (s *Store) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.obligations[id]
	if !ok {
		return nil, domain.NotFound("obligation %s not found", id)
	}
	cp := *o
	return &cp, nil
}

// ListActiveObligations returns every obligation not in a terminal status,
// the set the engine's graph resolution operates over each tick (§4.1).
func (s *Store) ListActiveObligations(ctx context.Context) ([]*domain.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Obligation, 0)
	for _, id := range sortedKeys(s.obligations) {
		o := s.obligations[id]
		if !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListObligationsByStatus(ctx context.Context, status domain.ObligationStatus) ([]*domain.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.obligationsByStatus[status]
	out := make([]*domain.Obligation, 0, len(ids))
	for id := range ids {
		cp := *s.obligations[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListObligationsForResource(ctx context.Context, resourceType, resourceID string) ([]*domain.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Obligation, 0)
	for _, id := range sortedKeys(s.obligations) {
		o := s.obligations[id]
		if o.ResourceType == resourceType && o.ResourceID == resourceID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateObligation(ctx context.Context, id string, mutate func(*domain.Obligation) error) (*domain.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.obligations[id]
	if !ok {
		return nil, domain.NotFound("obligation %s not found", id)
	}
	prevStatus := o.Status
	if err := mutate(o); err != nil {
		return nil, err
	}
	o.Version++
	if o.Status != prevStatus {
		s.indexObligationStatus(id, prevStatus, o.Status)
		if o.Status == domain.ObligationCompleted {
			t := now()
			o.CompletedAt = &t
		}
	}
	if s.backend != nil {
		_ = s.backend.AppendObligationEvent(o, string(o.Status))
	}
	cp := *o
	return &cp, nil
}

// PruneCompletedBefore deletes Completed obligations whose CompletedAt is
// older than cutoffSeconds ago, implementing the "retained for a
// configurable grace window... then pruned" rule (§3).
func (s *Store) PruneCompletedBefore(ctx context.Context, cutoffSeconds int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now().Add(-time.Duration(cutoffSeconds) * time.Second)
	pruned := 0
	for id, o := range s.obligations {
		if o.Status == domain.ObligationCompleted && o.CompletedAt != nil && o.CompletedAt.Before(cutoff) {
			delete(s.obligations, id)
			if set := s.obligationsByStatus[o.Status]; set != nil {
				delete(set, id)
			}
			pruned++
		}
	}
	return pruned, nil
}
