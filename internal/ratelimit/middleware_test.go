package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/novaproto/orchestrator/internal/domain"
)

func TestMiddlewareSkipsPublicPaths(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	backend := &fakeBackend{allowed: false, remaining: 0}
	limiter := New(backend, nil, TierConfig{RequestsPerSecond: 1, BurstSize: 1})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Middleware(limiter, []string{"/health"})(next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected public path to bypass rate limiting")
	}
}

func TestMiddlewareRejectsOverLimitRequest(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run when rate limited")
	})

	backend := &fakeBackend{allowed: false, remaining: 0}
	limiter := New(backend, nil, TierConfig{RequestsPerSecond: 1, BurstSize: 1})

	req := httptest.NewRequest(http.MethodPost, "/api/vms", nil)
	req = req.WithContext(domain.WithPrincipal(req.Context(), domain.Principal{UserID: "user-1"}))
	rec := httptest.NewRecorder()

	Middleware(limiter, nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestMiddlewareAllowsUnderLimitRequest(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	backend := &fakeBackend{allowed: true, remaining: 9}
	limiter := New(backend, nil, TierConfig{RequestsPerSecond: 10, BurstSize: 10})

	req := httptest.NewRequest(http.MethodPost, "/api/vms", nil)
	req = req.WithContext(domain.WithPrincipal(req.Context(), domain.Principal{UserID: "user-1"}))
	rec := httptest.NewRecorder()

	Middleware(limiter, nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to run when allowed")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddlewareKeysNodeRequestsByNodeID(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	backend := &fakeBackend{allowed: true, remaining: 1}
	limiter := New(backend, nil, TierConfig{RequestsPerSecond: 1, BurstSize: 1})

	req := httptest.NewRequest(http.MethodPost, "/api/nodes/node-1/heartbeat", nil)
	req = req.WithContext(domain.WithNodePrincipal(req.Context(), domain.NodePrincipal{NodeID: "node-1"}))
	rec := httptest.NewRecorder()

	Middleware(limiter, nil)(next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to run for a node-originated request")
	}
}
