// Package auth builds the two request-scoped identities the API layer
// needs: domain.Principal for user-originated requests and
// domain.NodePrincipal for node-originated ones (§6 "Auth surface").
// Bearer-token validation itself is explicitly out of scope (§6); this
// package trusts that an upstream layer already verified the token and
// simply promotes the resulting claims into domain.Principal, mirroring
// the Authenticator → Identity → context-middleware shape in
// internal/auth/auth.go without the JWT/API-key verification that version
// performs.
package auth

import (
	"net/http"
	"strings"

	"github.com/novaproto/orchestrator/internal/domain"
)

// Headers carrying the already-verified bearer-token claims (§6 "every
// request carries the authenticated userId and walletAddress").
const (
	headerUserID  = "X-Nova-User-Id"
	headerWallet  = "X-Nova-Wallet-Address"
	headerRoles   = "X-Nova-Roles"
)

// PrincipalMiddleware promotes the bearer-token claims an upstream gateway
// already verified into a domain.Principal on the request context. Requests
// missing a user id are rejected with 401 — this middleware does not itself
// verify the token, it only requires that something upstream already did.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "missing authenticated principal")
			return
		}

		p := domain.Principal{
			UserID:        userID,
			WalletAddress: r.Header.Get(headerWallet),
		}
		if roles := r.Header.Get(headerRoles); roles != "" {
			p.Roles = strings.Split(roles, ",")
		}

		ctx := domain.WithPrincipal(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
