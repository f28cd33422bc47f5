package obligation

import (
	"context"

	"github.com/novaproto/orchestrator/internal/domain"
)

// Handler executes one obligation type's reconciliation step (§4.1 "Handler
// contract"). Handlers MUST be idempotent: the engine may invoke Handle again
// for the same obligation after a crash, a lost ack signal, or a routine
// retry.
type Handler interface {
	Handle(ctx context.Context, o *domain.Obligation) Result
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, o *domain.Obligation) Result

func (f HandlerFunc) Handle(ctx context.Context, o *domain.Obligation) Result {
	return f(ctx, o)
}

// resultKind tags which of the five handler outcomes a Result carries.
type resultKind int

const (
	resultCompleted resultKind = iota
	resultCompletedWithChildren
	resultRetry
	resultWaitForSignal
	resultFail
)

// Result is the outcome of one handler invocation. Construct one via the
// package-level helpers (Completed, CompletedWithChildren, Retry,
// WaitForSignal, Fail) rather than building it directly.
type Result struct {
	kind    resultKind
	message string
	reason  string

	children []*domain.Obligation

	signalKey string
	signalData map[string]string
	waitTimeout *timeoutSeconds
}

// timeoutSeconds avoids importing time in the result's public surface while
// still letting WaitForSignal pass a concrete wait duration through to the
// engine, which applies it against the store's clock.
type timeoutSeconds struct {
	seconds int64
}

// Completed reports the obligation finished successfully with no children.
func Completed(message string) Result {
	return Result{kind: resultCompleted, message: message}
}

// CompletedWithChildren reports success and appends children with parentId
// set to the completing obligation (§4.1).
func CompletedWithChildren(children []*domain.Obligation, message string) Result {
	return Result{kind: resultCompletedWithChildren, message: message, children: children}
}

// Retry asks the engine to schedule another attempt after the standard
// backoff, capped at domain.MaxObligationRetries before failing terminally.
func Retry(reason string) Result {
	return Result{kind: resultRetry, reason: reason}
}

// WaitForSignal suspends the obligation until key fires on the signal bus or
// waitSeconds elapses, whichever comes first (§4.1).
func WaitForSignal(key string, waitSeconds int64, reason string, data map[string]string) Result {
	return Result{
		kind:        resultWaitForSignal,
		reason:      reason,
		signalKey:   key,
		signalData:  data,
		waitTimeout: &timeoutSeconds{seconds: waitSeconds},
	}
}

// Fail reports a terminal failure. Dependents are cascade-cancelled per the
// obligation's effective cascade policy unless it is keep-orphans (§4.1).
func Fail(reason string) Result {
	return Result{kind: resultFail, reason: reason}
}

// Children returns the obligations a CompletedWithChildren result spawns, or
// nil for every other kind.
func (r Result) Children() []*domain.Obligation {
	return r.children
}

// IsCompleted reports whether r is Completed or CompletedWithChildren.
func (r Result) IsCompleted() bool {
	return r.kind == resultCompleted || r.kind == resultCompletedWithChildren
}

// IsWaitForSignal reports whether r suspends the obligation on a signal.
func (r Result) IsWaitForSignal() bool {
	return r.kind == resultWaitForSignal
}

// IsFail reports whether r is a terminal failure.
func (r Result) IsFail() bool {
	return r.kind == resultFail
}

// IsRetry reports whether r asks for another attempt after backoff.
func (r Result) IsRetry() bool {
	return r.kind == resultRetry
}
