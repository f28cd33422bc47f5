package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/logging"
)

// Middleware creates an HTTP middleware enforcing per-caller rate limits
// (§6). It runs after the auth middlewares, so a user Principal or node
// NodePrincipal is already in context where one applies; anonymous
// requests (e.g. node registration) key off the client IP instead.
func Middleware(limiter *Limiter, publicPaths []string) func(http.Handler) http.Handler {
	// Build public path set
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip rate limiting for public paths
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			// Determine rate limit key and tier from the authenticated caller
			var key, tier string

			if p, ok := domain.PrincipalFromContext(r.Context()); ok {
				key = KeyForUser(p.UserID)
				tier = "default"
				if p.IsOperator() {
					tier = "operator"
				}
			} else if np, ok := domain.NodePrincipalFromContext(r.Context()); ok {
				key = KeyForNode(np.NodeID)
				tier = "node"
			} else {
				// Anonymous request - use IP
				ip := getClientIP(r)
				key = KeyForGlobal(ip)
				tier = "default"
			}

			// Check rate limit
			result, err := limiter.Allow(r.Context(), key, tier)
			if err != nil {
				// On error, allow the request but log
				logging.Op().Warn("rate limit check failed, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			// Set rate limit headers
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

			if !result.Allowed {
				retryAfter := int(result.ResetAt.Unix() - time.Now().Unix())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limit_exceeded","message":"too many requests, please retry later"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isPublicPath checks if the given path should skip rate limiting
func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}

	for p := range publicSet {
		if strings.HasSuffix(p, "/*") {
			prefix := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}

	return false
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	// Remove brackets for IPv6
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
