// Package signalbus implements the named-latch broadcast primitive required
// by §5: many producers, many waiters, fire(key, payload) and
// wait(key, timeout). Firing is broadcast to every current waiter; a fire
// that races ahead of a wait is latched briefly so the waiter still observes
// it instead of blocking forever (§5: "latched-for-a-short-window... to
// avoid lost-wakeup when fire precedes wait by microseconds").
package signalbus

import (
	"sync"
	"time"
)

// DefaultLatchWindow is how long a fired signal remains observable to a
// wait() call that starts shortly after the fire.
const DefaultLatchWindow = 2 * time.Second

// Outcome is the value delivered to a waiter: either a real payload or a
// timeout.
type Outcome struct {
	Payload any
	Timeout bool
}

type latch struct {
	payload  any
	firedAt  time.Time
	waiters  []chan Outcome
}

// Bus is a single process-wide signal bus instance. The orchestrator runs
// exactly one (single-leader model, §1 Non-goals).
type Bus struct {
	mu          sync.Mutex
	latches     map[string]*latch
	latchWindow time.Duration
}

// New creates a Bus with the default latch window.
func New() *Bus {
	return &Bus{
		latches:     make(map[string]*latch),
		latchWindow: DefaultLatchWindow,
	}
}

// Fire broadcasts payload to every goroutine currently blocked in Wait(key,
// ...), and latches it briefly so a Wait call starting just after Fire still
// observes it.
func (b *Bus) Fire(key string, payload any) {
	b.mu.Lock()
	l, ok := b.latches[key]
	if !ok {
		l = &latch{}
		b.latches[key] = l
	}
	l.payload = payload
	l.firedAt = time.Now()
	waiters := l.waiters
	l.waiters = nil
	b.mu.Unlock()

	for _, ch := range waiters {
		ch <- Outcome{Payload: payload}
	}
}

// FireAll broadcasts payload to every key with at least one registered
// waiter at the moment of the call, used for bulk wake-ups (e.g. shutdown).
func (b *Bus) FireAll(payload any) {
	b.mu.Lock()
	keys := make([]string, 0, len(b.latches))
	for k, l := range b.latches {
		if len(l.waiters) > 0 {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.Fire(k, payload)
	}
}

// Wait blocks until key fires, the latch window from a very recent fire is
// still valid, or timeout elapses. It never consumes the signal for other
// waiters — every waiter blocked at fire time receives the same payload.
func (b *Bus) Wait(key string, timeout time.Duration) Outcome {
	b.mu.Lock()
	l, ok := b.latches[key]
	if ok && !l.firedAt.IsZero() && time.Since(l.firedAt) <= b.latchWindow {
		payload := l.payload
		b.mu.Unlock()
		return Outcome{Payload: payload}
	}
	if !ok {
		l = &latch{}
		b.latches[key] = l
	}
	ch := make(chan Outcome, 1)
	l.waiters = append(l.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out
	case <-timer.C:
		b.removeWaiter(key, ch)
		return Outcome{Timeout: true}
	}
}

func (b *Bus) removeWaiter(key string, ch chan Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.latches[key]
	if !ok {
		return
	}
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
}

// Prune removes latches whose fire is older than the latch window and which
// have no pending waiters, to bound long-term memory growth across the
// lifetime of a long-running orchestrator process.
func (b *Bus) Prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for k, l := range b.latches {
		if len(l.waiters) == 0 && now.Sub(l.firedAt) > b.latchWindow {
			delete(b.latches, k)
		}
	}
}
