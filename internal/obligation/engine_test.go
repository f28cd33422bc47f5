package obligation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/signalbus"
)

// fakeRepo is a minimal in-memory stand-in for store.ObligationRepository,
// sufficient for exercising the engine's dispatch logic in isolation.
type fakeRepo struct {
	mu   sync.Mutex
	objs map[string]*domain.Obligation
}

func newFakeRepo(obs ...*domain.Obligation) *fakeRepo {
	r := &fakeRepo{objs: make(map[string]*domain.Obligation)}
	for _, o := range obs {
		r.objs[o.ID] = o
	}
	return r
}

func (r *fakeRepo) CreateObligation(ctx context.Context, o *domain.Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == "" {
		o.ID = string(o.Type) + "-generated"
	}
	if o.Status == "" {
		o.Status = domain.ObligationPending
	}
	r.objs[o.ID] = o
	return nil
}

func (r *fakeRepo) GetObligation(ctx context.Context, id string) (*domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objs[id]
	if !ok {
		return nil, domain.NotFound("obligation %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) ListActiveObligations(ctx context.Context) ([]*domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Obligation
	for _, o := range r.objs {
		if !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListObligationsByStatus(ctx context.Context, status domain.ObligationStatus) ([]*domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Obligation
	for _, o := range r.objs {
		if o.Status == status {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListObligationsForResource(ctx context.Context, resourceType, resourceID string) ([]*domain.Obligation, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateObligation(ctx context.Context, id string, mutate func(*domain.Obligation) error) (*domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objs[id]
	if !ok {
		return nil, domain.NotFound("obligation %s not found", id)
	}
	if err := mutate(o); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) PruneCompletedBefore(ctx context.Context, cutoffSeconds int64) (int, error) {
	return 0, nil
}

func (r *fakeRepo) get(id string) *domain.Obligation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objs[id]
}

func TestEngineDispatchesCompletedObligation(t *testing.T) {
	o := &domain.Obligation{ID: "o1", Type: domain.TypeStatUpdate, Status: domain.ObligationReady}
	repo := newFakeRepo(o)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeStatUpdate, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return Completed("done")
	}))

	eng.tick(context.Background())

	got := repo.get("o1")
	if got.Status != domain.ObligationCompleted {
		t.Fatalf("status = %v, want Completed", got.Status)
	}
}

func TestEngineAppliesChildrenOnCompletedWithChildren(t *testing.T) {
	o := &domain.Obligation{ID: "parent", Type: domain.TypeVMProvision, Status: domain.ObligationReady}
	repo := newFakeRepo(o)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeVMProvision, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		child := &domain.Obligation{ID: "child-1", Type: domain.TypeVMAllocatePorts}
		return CompletedWithChildren([]*domain.Obligation{child}, "provisioned")
	}))

	eng.tick(context.Background())

	if repo.get("parent").Status != domain.ObligationCompleted {
		t.Fatal("parent should be completed")
	}
	child := repo.get("child-1")
	if child == nil {
		t.Fatal("expected child obligation to be created")
	}
	if child.ParentID != "parent" {
		t.Errorf("child ParentID = %q, want parent", child.ParentID)
	}
}

func TestEngineRetrySchedulesBackoffAndFailsAfterMaxRetries(t *testing.T) {
	o := &domain.Obligation{ID: "o1", Type: domain.TypeVMSchedule, Status: domain.ObligationReady, FailureCount: domain.MaxObligationRetries}
	repo := newFakeRepo(o)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeVMSchedule, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return Retry("no suitable node available")
	}))

	eng.tick(context.Background())

	got := repo.get("o1")
	if got.Status != domain.ObligationFailed {
		t.Fatalf("status = %v, want Failed after exceeding max retries", got.Status)
	}
}

func TestEngineRetryLeavesObligationPendingUntilBackoffElapses(t *testing.T) {
	o := &domain.Obligation{ID: "o1", Type: domain.TypeVMSchedule, Status: domain.ObligationReady}
	repo := newFakeRepo(o)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeVMSchedule, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return Retry("no suitable node available")
	}))

	eng.tick(context.Background())

	got := repo.get("o1")
	if got.Status != domain.ObligationPending {
		t.Fatalf("status = %v, want Pending", got.Status)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(time.Now()) {
		t.Fatal("expected NextAttemptAt set in the future")
	}

	// A second tick immediately after must not redispatch it.
	eng.tick(context.Background())
	if repo.get("o1").FailureCount != 1 {
		t.Fatalf("obligation should not be redispatched before backoff elapses, failure_count=%d", repo.get("o1").FailureCount)
	}
}

func TestEngineFailCascadesToDependents(t *testing.T) {
	parent := &domain.Obligation{ID: "parent", Type: domain.TypeVMProvision, Status: domain.ObligationReady}
	dependent := &domain.Obligation{ID: "dependent", Type: domain.TypeVMRegisterIngress, Status: domain.ObligationPending, DependsOn: []string{"parent"}}
	repo := newFakeRepo(parent, dependent)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeVMProvision, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return Fail("provisioning failed")
	}))

	eng.tick(context.Background())

	if repo.get("parent").Status != domain.ObligationFailed {
		t.Fatal("parent should be Failed")
	}
	if repo.get("dependent").Status != domain.ObligationCancelled {
		t.Fatalf("dependent status = %v, want Cancelled (cascade)", repo.get("dependent").Status)
	}
}

func TestEngineFailKeepsOrphansWhenPolicySet(t *testing.T) {
	parent := &domain.Obligation{ID: "parent", Type: domain.TypeVMProvision, Status: domain.ObligationReady, CascadePolicy: domain.CascadeKeepOrphans}
	dependent := &domain.Obligation{ID: "dependent", Type: domain.TypeVMRegisterIngress, Status: domain.ObligationPending, DependsOn: []string{"parent"}}
	repo := newFakeRepo(parent, dependent)
	eng := New(repo, signalbus.New(), DefaultConfig())
	eng.Register(domain.TypeVMProvision, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return Fail("provisioning failed")
	}))

	eng.tick(context.Background())

	if repo.get("dependent").Status == domain.ObligationCancelled {
		t.Fatal("keep-orphans policy must not cascade-cancel dependents")
	}
}

func TestEngineWaitForSignalResolvesOnFire(t *testing.T) {
	o := &domain.Obligation{ID: "o1", Type: domain.TypeVMRegisterIngress, Status: domain.ObligationReady}
	repo := newFakeRepo(o)
	bus := signalbus.New()
	eng := New(repo, bus, DefaultConfig())
	eng.Register(domain.TypeVMRegisterIngress, HandlerFunc(func(ctx context.Context, o *domain.Obligation) Result {
		return WaitForSignal("commandAck:cmd-1", 5, "waiting for agent ack", nil)
	}))

	eng.tick(context.Background())

	got := repo.get("o1")
	if got.Status != domain.ObligationWaitingForSignal {
		t.Fatalf("status = %v, want WaitingForSignal", got.Status)
	}

	bus.Fire("commandAck:cmd-1", domain.AckOutcome{CommandID: "cmd-1", Success: true})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if repo.get("o1").Status == domain.ObligationReady {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected obligation to return to Ready after signal fired")
}

func TestEngineCyclicObligationsAreFailedWithCycleReason(t *testing.T) {
	a := &domain.Obligation{ID: "a", Type: domain.TypeStatUpdate, Status: domain.ObligationPending, DependsOn: []string{"b"}}
	b := &domain.Obligation{ID: "b", Type: domain.TypeStatUpdate, Status: domain.ObligationPending, DependsOn: []string{"a"}}
	repo := newFakeRepo(a, b)
	eng := New(repo, signalbus.New(), DefaultConfig())

	eng.tick(context.Background())

	if repo.get("a").Status != domain.ObligationFailed || repo.get("a").LastError != "cycle" {
		t.Fatalf("a = %+v, want Failed/cycle", repo.get("a"))
	}
	if repo.get("b").Status != domain.ObligationFailed || repo.get("b").LastError != "cycle" {
		t.Fatalf("b = %+v, want Failed/cycle", repo.get("b"))
	}
}
