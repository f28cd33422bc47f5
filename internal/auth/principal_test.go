package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/novaproto/orchestrator/internal/domain"
)

func TestPrincipalMiddlewarePromotesHeadersToContext(t *testing.T) {
	var captured domain.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := domain.PrincipalFromContext(r.Context())
		if !ok {
			t.Fatal("expected a principal in context")
		}
		captured = p
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/vms/vm-1", nil)
	req.Header.Set(headerUserID, "user-1")
	req.Header.Set(headerWallet, "0xabc")
	req.Header.Set(headerRoles, "operator,billing")
	rec := httptest.NewRecorder()

	PrincipalMiddleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if captured.UserID != "user-1" || captured.WalletAddress != "0xabc" {
		t.Errorf("unexpected principal: %+v", captured)
	}
	if !captured.HasRole("operator") || !captured.HasRole("billing") {
		t.Errorf("expected both roles, got %v", captured.Roles)
	}
	if !captured.IsOperator() {
		t.Error("expected IsOperator to be true")
	}
}

func TestPrincipalMiddlewareRejectsMissingUserID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run without a user id")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/vms/vm-1", nil)
	rec := httptest.NewRecorder()

	PrincipalMiddleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPrincipalMiddlewareWithoutRolesHeaderLeavesRolesEmpty(t *testing.T) {
	var captured domain.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = domain.PrincipalFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/vms/vm-1", nil)
	req.Header.Set(headerUserID, "user-1")
	rec := httptest.NewRecorder()

	PrincipalMiddleware(next).ServeHTTP(rec, req)

	if len(captured.Roles) != 0 {
		t.Errorf("expected no roles, got %v", captured.Roles)
	}
	if captured.IsOperator() {
		t.Error("expected IsOperator to be false without roles")
	}
}
