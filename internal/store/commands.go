package store

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
)

// CommandRepository is an audit-trail record of commands the node command
// channel has enqueued; the channel itself owns the live FIFO/pending-ack
// state in memory (§4.3) and writes through here for inspection and crash
// diagnostics, not for re-deriving queue state (§4.1 "Signals are not
// persisted").
type CommandRepository interface {
	RecordCommand(ctx context.Context, c *domain.Command) error
	GetCommand(ctx context.Context, id string) (*domain.Command, error)
	MarkCommandAcked(ctx context.Context, id string) error
}

func (s *Store) RecordCommand(ctx context.Context, c *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands[c.CommandID] = c
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, domain.NotFound("command %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) MarkCommandAcked(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return domain.NotFound("command %s not found", id)
	}
	t := now()
	c.AckedAt = &t
	return nil
}
