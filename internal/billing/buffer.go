package billing

import (
	"context"
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/store"
)

const (
	defaultBufferFlushInterval = 60 * time.Second
	defaultBufferMaxRecords    = 100
)

// Buffer is the in-memory usage-record write-through buffer (§4.5 "Usage
// buffer"). Records accumulate until a timer fires or the queue reaches its
// max size; records a flush fails to write are put back at the front of the
// queue so no record is dropped on a transient store error. Follows the outbox batching idiom in
// internal/eventbus/outbox_relay.go: buffer, flush-on-timer-or-threshold,
// re-enqueue-on-failure.
type Buffer struct {
	usage store.UsageRepository

	flushInterval time.Duration
	maxRecords    int

	mu      sync.Mutex
	pending []*domain.UsageRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBuffer constructs a Buffer with the given flush tuning. A zero value
// for either parameter falls back to the §4.5 defaults (60s / 100 records).
func NewBuffer(usage store.UsageRepository, flushInterval time.Duration, maxRecords int) *Buffer {
	if flushInterval <= 0 {
		flushInterval = defaultBufferFlushInterval
	}
	if maxRecords <= 0 {
		maxRecords = defaultBufferMaxRecords
	}
	return &Buffer{usage: usage, flushInterval: flushInterval, maxRecords: maxRecords}
}

// Add enqueues a usage record, flushing immediately if the buffer has
// reached its size threshold.
func (b *Buffer) Add(ctx context.Context, u *domain.UsageRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, u)
	full := len(b.pending) >= b.maxRecords
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Flush writes every currently-pending record through to the usage store.
// Records whose write fails are put back at the front of the queue so the
// next flush (timer or shutdown) retries them; records already written are
// not re-sent.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	failed := make([]*domain.UsageRecord, 0)
	for _, u := range batch {
		if err := b.usage.CreateUsageRecord(ctx, u); err != nil {
			logging.Op().Warn("billing: usage record flush failed, will retry", "vm_id", u.VMID, "error", err)
			failed = append(failed, u)
		}
	}
	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	b.pending = append(failed, b.pending...)
	b.mu.Unlock()
}

// Start launches the periodic flush timer in the background.
func (b *Buffer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	}()
}

// Stop cancels the flush timer and performs one final flush of anything
// still pending, per §4.5 "final flush on shutdown".
func (b *Buffer) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.Flush(context.Background())
}
