package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitWindow is the fixed 60s bucket base spec §4.7 specifies for
// every rule's rate limit, regardless of its configured rate.
const rateLimitWindow = 60 * time.Second

// inMemoryEvictionThreshold triggers a lazy sweep of the fallback map
// once it grows past this size (base spec §4.7 "evict stale entries
// lazily when size > 10000").
const inMemoryEvictionThreshold = 10_000

// RateLimiter enforces maxPerWindow = requestsPerSecond*60 per
// clientId using a CQL/Redis-backed distributed counter, falling back
// to an in-memory fixed-window map on store failure (base spec §4.7
// step 2), grounded on wisbric-nightowl's INCR+EXPIRE Redis limiter
// (internal/auth/ratelimit.go).
type RateLimiter struct {
	redis *redis.Client

	mu       sync.Mutex
	fallback map[string]int
}

// NewRateLimiter creates a limiter backed by rdb (nil is allowed: every
// request then uses the in-memory fallback directly).
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{redis: rdb, fallback: make(map[string]int)}
}

// Allow reports whether clientId may proceed under requestsPerSecond,
// incrementing its window counter as a side effect.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string, requestsPerSecond float64) bool {
	maxPerWindow := int(requestsPerSecond * float64(rateLimitWindow/time.Second))
	if maxPerWindow <= 0 {
		maxPerWindow = 1
	}
	if rl.redis != nil {
		if count, err := rl.incrementDistributed(ctx, clientID); err == nil {
			return count <= maxPerWindow
		}
	}
	return rl.incrementFallback(clientID, maxPerWindow)
}

func (rl *RateLimiter) incrementDistributed(ctx context.Context, clientID string) (int, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", clientID, time.Now().Unix()/int64(rateLimitWindow/time.Second))
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing distributed rate counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (rl *RateLimiter) incrementFallback(clientID string, maxPerWindow int) bool {
	bucket := time.Now().Unix() / int64(rateLimitWindow/time.Second)
	key := fmt.Sprintf("%s:%d", clientID, bucket)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.fallback) > inMemoryEvictionThreshold {
		rl.evictStaleLocked(bucket)
	}
	rl.fallback[key]++
	return rl.fallback[key] <= maxPerWindow
}

// evictStaleLocked drops every fallback entry not from the current
// window. Caller must hold rl.mu.
func (rl *RateLimiter) evictStaleLocked(currentBucket int64) {
	currentSuffix := fmt.Sprintf(":%d", currentBucket)
	for key := range rl.fallback {
		if len(key) < len(currentSuffix) || key[len(key)-len(currentSuffix):] != currentSuffix {
			delete(rl.fallback, key)
		}
	}
}

// ClientID derives the rate-limit identity for a request per base spec
// §4.7 step 2's header precedence.
func ClientID(realIP, cfConnectingIP string, forwardedFor []string) string {
	if realIP != "" {
		return realIP
	}
	if cfConnectingIP != "" {
		return cfConnectingIP
	}
	if len(forwardedFor) > 0 && forwardedFor[0] != "" {
		return forwardedFor[0]
	}
	return "unknown"
}
