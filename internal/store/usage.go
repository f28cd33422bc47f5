package store

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
)

// UsageRepository persists billing accrual records (§3 UsageRecord).
type UsageRepository interface {
	CreateUsageRecord(ctx context.Context, u *domain.UsageRecord) error
	ListUnsettledUsage(ctx context.Context) ([]*domain.UsageRecord, error)
	MarkSettled(ctx context.Context, ids []string, txHash string) error
}

func (s *Store) CreateUsageRecord(ctx context.Context, u *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = NewID("usage")
	}
	u.CreatedAt = now()
	s.usageRecords[u.ID] = u
	return nil
}

func (s *Store) ListUnsettledUsage(ctx context.Context) ([]*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.UsageRecord, 0)
	for _, id := range sortedKeys(s.usageRecords) {
		u := s.usageRecords[id]
		if !u.SettledOnChain {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) MarkSettled(ctx context.Context, ids []string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if u, ok := s.usageRecords[id]; ok {
			u.SettledOnChain = true
			u.SettlementTxHash = txHash
		}
	}
	return nil
}
