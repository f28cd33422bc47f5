// Package obligation implements the dependency-ordered reconciliation engine
// (§4.1): it advances desired state by executing registered handlers in
// topological order with bounded concurrency, retry-with-backoff,
// signal-based suspension, and cascading failure semantics.
package obligation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
	"github.com/novaproto/orchestrator/internal/metrics"
	"github.com/novaproto/orchestrator/internal/observability"
	"github.com/novaproto/orchestrator/internal/signalbus"
	"github.com/novaproto/orchestrator/internal/store"
)

// Config tunes the engine's dispatch loop (§4.1 "Dispatch loop").
type Config struct {
	TickInterval       time.Duration
	TickJitter         time.Duration
	MaxPerTick         int
	PruneGraceSeconds  int64
}

// DefaultConfig returns the stated defaults: 1s tick jittered ±100ms, up to
// 32 ready obligations dispatched per tick.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		TickJitter:        100 * time.Millisecond,
		MaxPerTick:        32,
		PruneGraceSeconds: int64((time.Hour).Seconds()),
	}
}

// Engine is the single-process obligation dispatcher (§1 "single-leader
// model").
type Engine struct {
	store    store.ObligationRepository
	bus      *signalbus.Bus
	cfg      Config

	mu       sync.RWMutex
	handlers map[domain.ObligationType]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Engine. Register handlers with Register before calling Start.
func New(repo store.ObligationRepository, bus *signalbus.Bus, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.TickJitter <= 0 {
		cfg.TickJitter = 100 * time.Millisecond
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 32
	}
	if cfg.PruneGraceSeconds <= 0 {
		cfg.PruneGraceSeconds = int64((time.Hour).Seconds())
	}
	return &Engine{
		store:    repo,
		bus:      bus,
		cfg:      cfg,
		handlers: make(map[domain.ObligationType]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a Handler to an obligation type. Not safe to call once
// Start has been invoked.
func (e *Engine) Register(t domain.ObligationType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

func (e *Engine) handlerFor(t domain.ObligationType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[t]
	return h, ok
}

// Start launches the tick loop in a background goroutine.
func (e *Engine) Start() {
	logging.Op().Info("starting obligation engine", "tick_interval", e.cfg.TickInterval, "max_per_tick", e.cfg.MaxPerTick)
	e.wg.Add(1)
	go e.loop()
}

// Stop signals the tick loop to exit and waits for it to drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	logging.Op().Info("obligation engine stopped")
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		jitter := time.Duration(rand.Int63n(int64(2*e.cfg.TickJitter))) - e.cfg.TickJitter
		timer := time.NewTimer(e.cfg.TickInterval + jitter)
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.tick(context.Background())
		}
	}
}

// tick runs one dispatch round (§4.1 "Dispatch loop" steps 1-6).
func (e *Engine) tick(ctx context.Context) {
	active, err := e.store.ListActiveObligations(ctx)
	if err != nil {
		logging.Op().Error("list active obligations", "error", err)
		return
	}

	e.expireWaits(ctx, active)

	if pruned, err := e.store.PruneCompletedBefore(ctx, e.cfg.PruneGraceSeconds); err != nil {
		logging.Op().Error("prune completed obligations", "error", err)
	} else if pruned > 0 {
		logging.Op().Info("pruned completed obligations", "count", pruned)
	}

	ready, cyclic := resolveGraph(active)
	for _, o := range cyclic {
		e.failCycle(ctx, o)
	}

	if len(ready) > e.cfg.MaxPerTick {
		ready = ready[:e.cfg.MaxPerTick]
	}
	metrics.SetObligationsReady(len(ready))

	var wg sync.WaitGroup
	for _, o := range ready {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.dispatch(ctx, o)
		}()
	}
	wg.Wait()
}

// expireWaits transitions obligations whose WaitExpiry has passed back to
// Ready with a synthetic "signal-timeout" reason (§4.1 "WaitForSignal").
func (e *Engine) expireWaits(ctx context.Context, active []*domain.Obligation) {
	now := time.Now()
	for _, o := range active {
		if o.Status != domain.ObligationWaitingForSignal || o.WaitExpiry == nil {
			continue
		}
		if now.Before(*o.WaitExpiry) {
			continue
		}
		id := o.ID
		_, err := e.store.UpdateObligation(ctx, id, func(o *domain.Obligation) error {
			o.Status = domain.ObligationReady
			o.LastError = "signal-timeout"
			o.WaitingForSignal = ""
			o.WaitExpiry = nil
			return nil
		})
		if err != nil {
			logging.Op().Error("expire wait", "obligation_id", id, "error", err)
			continue
		}
		metrics.Global().ExpiredObligations.Add(1)
	}
}

func (e *Engine) failCycle(ctx context.Context, o *domain.Obligation) {
	_, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
		if o.Status.Terminal() {
			return nil
		}
		o.Status = domain.ObligationFailed
		o.LastError = "cycle"
		return nil
	})
	if err != nil {
		logging.Op().Error("fail cycle participant", "obligation_id", o.ID, "error", err)
		return
	}
	logging.Op().Warn("obligation marked failed: dependency cycle", "obligation_id", o.ID, "type", o.Type)
}

// dispatch invokes the registered handler for one ready obligation and
// applies the result atomically (§4.1 step 6).
func (e *Engine) dispatch(ctx context.Context, o *domain.Obligation) {
	handler, ok := e.handlerFor(o.Type)
	if !ok {
		logging.Op().Error("no handler registered for obligation type", "type", o.Type, "obligation_id", o.ID)
		e.applyResult(ctx, o, Fail("no handler registered for type "+string(o.Type)))
		return
	}

	running, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
		// Another tick or a concurrent dispatch may have already claimed this
		// obligation; only transition forward out of Pending/Ready.
		if o.Status == domain.ObligationRunning || o.Status.Terminal() || o.Status == domain.ObligationWaitingForSignal {
			return domain.Conflict("obligation %s not dispatchable", o.ID)
		}
		o.Status = domain.ObligationRunning
		t := time.Now()
		o.LastAttemptAt = &t
		return nil
	})
	if err != nil {
		return
	}

	ctx, span := observability.StartSpan(ctx, "obligation.dispatch",
		observability.AttrObligationID.String(o.ID),
		observability.AttrObligationType.String(string(o.Type)),
	)
	start := time.Now()
	// A panicking handler is recovered and its panic converted to Retry.
	result := func() (r Result) {
		defer func() {
			if p := recover(); p != nil {
				r = Retry(fmt.Sprintf("handler panic: %v", p))
			}
		}()
		return handler.Handle(ctx, running)
	}()
	durationMs := time.Since(start).Milliseconds()
	span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))
	if result.kind == resultFail {
		observability.SetSpanError(span, errors.New(result.reason))
	} else {
		observability.SetSpanOK(span)
	}
	span.End()

	metrics.Global().RecordObligationWithDetails(string(o.Type), durationMs, result.kind == resultRetry, result.kind != resultFail, false)

	e.applyResult(ctx, running, result)
}

// applyResult persists a handler's decision, spawns children, fires signals,
// and cascade-cancels dependents as required (§4.1 "Apply each result
// atomically").
func (e *Engine) applyResult(ctx context.Context, o *domain.Obligation, r Result) {
	switch r.kind {
	case resultCompleted, resultCompletedWithChildren:
		_, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
			o.Status = domain.ObligationCompleted
			o.LastError = ""
			return nil
		})
		if err != nil {
			logging.Op().Error("apply completed", "obligation_id", o.ID, "error", err)
			return
		}
		for _, child := range r.children {
			child.ParentID = o.ID
			if err := e.store.CreateObligation(ctx, child); err != nil {
				logging.Op().Error("create child obligation", "parent_id", o.ID, "error", err)
			}
		}

	case resultRetry:
		e.applyRetry(ctx, o, r.reason)

	case resultWaitForSignal:
		timeout := domain.ReAckWindow
		if r.waitTimeout != nil && r.waitTimeout.seconds > 0 {
			timeout = time.Duration(r.waitTimeout.seconds) * time.Second
		}
		expiry := time.Now().Add(timeout)
		_, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
			o.Status = domain.ObligationWaitingForSignal
			o.WaitingForSignal = r.signalKey
			o.WaitExpiry = &expiry
			o.LastError = r.reason
			if r.signalData != nil {
				if o.Data == nil {
					o.Data = make(map[string]string, len(r.signalData))
				}
				for k, v := range r.signalData {
					o.Data[k] = v
				}
			}
			return nil
		})
		if err != nil {
			logging.Op().Error("apply wait-for-signal", "obligation_id", o.ID, "error", err)
			return
		}
		e.watchSignal(o.ID, r.signalKey, timeout)

	case resultFail:
		e.applyFail(ctx, o, r.reason)
	}
}

// applyRetry schedules another attempt after the standard backoff (§4.1
// "Retry"). The obligation is left in Pending; resolveGraph re-admits it to
// the ready set once NextAttemptAt elapses, so no separate timer is needed.
func (e *Engine) applyRetry(ctx context.Context, o *domain.Obligation, reason string) {
	updated, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
		o.FailureCount++
		o.LastError = reason
		if o.FailureCount > domain.MaxObligationRetries {
			o.Status = domain.ObligationFailed
			return nil
		}
		next := time.Now().Add(domain.Backoff(o.FailureCount))
		o.NextAttemptAt = &next
		o.Status = domain.ObligationPending
		return nil
	})
	if err != nil {
		logging.Op().Error("apply retry", "obligation_id", o.ID, "error", err)
		return
	}
	if updated.Status == domain.ObligationFailed {
		e.cascadeCancel(ctx, updated)
	}
}

func (e *Engine) applyFail(ctx context.Context, o *domain.Obligation, reason string) {
	updated, err := e.store.UpdateObligation(ctx, o.ID, func(o *domain.Obligation) error {
		o.Status = domain.ObligationFailed
		o.LastError = reason
		return nil
	})
	if err != nil {
		logging.Op().Error("apply fail", "obligation_id", o.ID, "error", err)
		return
	}
	e.cascadeCancel(ctx, updated)
}

// cascadeCancel cancels the transitive closure of dependents of a failed
// obligation, unless its effective cascade policy is keep-orphans (§4.1).
func (e *Engine) cascadeCancel(ctx context.Context, failed *domain.Obligation) {
	if failed.EffectiveCascadePolicy() == domain.CascadeKeepOrphans {
		return
	}
	active, err := e.store.ListActiveObligations(ctx)
	if err != nil {
		logging.Op().Error("list active obligations for cascade", "error", err)
		return
	}
	for _, id := range cascadeClosure(failed.ID, active) {
		_, err := e.store.UpdateObligation(ctx, id, func(o *domain.Obligation) error {
			if o.Status.Terminal() {
				return nil
			}
			o.Status = domain.ObligationCancelled
			o.LastError = "cascade-cancelled: dependency " + failed.ID + " failed"
			return nil
		})
		if err != nil {
			logging.Op().Error("cascade cancel", "obligation_id", id, "error", err)
		}
	}
}

// watchSignal blocks in a dedicated goroutine until key fires or timeout
// elapses, then transitions the obligation back to Ready (§4.1: "When the
// signal fires, status→Ready; when the wait expires, status→Ready with a
// synthetic signal-timeout reason").
func (e *Engine) watchSignal(obligationID, key string, timeout time.Duration) {
	go func() {
		outcome := e.bus.Wait(key, timeout)
		ctx := context.Background()
		_, err := e.store.UpdateObligation(ctx, obligationID, func(o *domain.Obligation) error {
			if o.Status != domain.ObligationWaitingForSignal {
				// Already resolved by the tick-level expiry sweep.
				return nil
			}
			o.Status = domain.ObligationReady
			o.WaitingForSignal = ""
			o.WaitExpiry = nil
			if outcome.Timeout {
				o.LastError = "signal-timeout"
			} else {
				o.LastError = ""
			}
			return nil
		})
		if err != nil {
			logging.Op().Error("resolve wait-for-signal", "obligation_id", obligationID, "error", err)
		}
	}()
}
