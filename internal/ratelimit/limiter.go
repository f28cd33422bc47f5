// Package ratelimit token-bucket limits the §6 HTTP API surface per caller,
// backed by Redis for cross-instance consistency with an in-memory
// fallback when Redis is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Backend performs the atomic token bucket check for one key. Implementations:
// RedisBackend (distributed, canonical), LocalTokenBucketBackend (fallback),
// FallbackBackend (composes the two).
type Backend interface {
	// CheckRateLimit consumes requested tokens from key's bucket (capacity
	// maxTokens, refilling at refillRate tokens/sec) and reports whether the
	// request was allowed along with the tokens remaining afterward.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// TierConfig holds rate limit configuration for a tier.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter resolves a caller's tier configuration and applies it through a
// Backend.
type Limiter struct {
	backend     Backend
	tiers       map[string]TierConfig
	defaultTier TierConfig
}

// New creates a rate limiter over backend, using tiers (falling back to
// defaultTier for unrecognized tier names).
func New(backend Backend, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{
		backend:     backend,
		tiers:       tiers,
		defaultTier: defaultTier,
	}
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a single request is allowed for the given key and tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks if n requests are allowed.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.getTierConfig(tier)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, err
	}

	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) getTierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.defaultTier
}

// KeyForUser returns the rate limit key for an authenticated user principal.
func KeyForUser(userID string) string {
	return "nova:rl:user:" + userID
}

// KeyForNode returns the rate limit key for a node-originated request.
func KeyForNode(nodeID string) string {
	return "nova:rl:node:" + nodeID
}

// KeyForIP returns the rate limit key for an IP address.
func KeyForIP(ip string) string {
	return "nova:rl:ip:" + ip
}

// KeyForGlobal returns the rate limit key for anonymous/global requests.
func KeyForGlobal(ip string) string {
	return "nova:rl:global:" + ip
}
