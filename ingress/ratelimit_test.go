package ingress

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return c
}

func TestRateLimiterDistributedAllowsUnderMax(t *testing.T) {
	rl := NewRateLimiter(newTestRedisClient(t))
	ctx := context.Background()
	// requestsPerSecond=1 -> maxPerWindow=60.
	for i := 0; i < 60; i++ {
		if !rl.Allow(ctx, "client-a", 1) {
			t.Fatalf("request %d unexpectedly rate limited", i)
		}
	}
	if rl.Allow(ctx, "client-a", 1) {
		t.Fatalf("expected 61st request in window to be rate limited")
	}
}

func TestRateLimiterFallbackWhenRedisNil(t *testing.T) {
	rl := NewRateLimiter(nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if !rl.Allow(ctx, "client-b", float64(1)/30) { // maxPerWindow = 2
			t.Fatalf("request %d unexpectedly rate limited", i)
		}
	}
	if rl.Allow(ctx, "client-b", float64(1)/30) {
		t.Fatalf("expected 3rd request to exceed the fallback window max")
	}
}

func TestClientIDPrecedence(t *testing.T) {
	if got := ClientID("1.2.3.4", "5.6.7.8", []string{"9.9.9.9"}); got != "1.2.3.4" {
		t.Fatalf("expected x-real-ip to win, got %q", got)
	}
	if got := ClientID("", "5.6.7.8", []string{"9.9.9.9"}); got != "5.6.7.8" {
		t.Fatalf("expected cf-connecting-ip to win, got %q", got)
	}
	if got := ClientID("", "", []string{"9.9.9.9", "1.1.1.1"}); got != "9.9.9.9" {
		t.Fatalf("expected first x-forwarded-for entry to win, got %q", got)
	}
	if got := ClientID("", "", nil); got != "unknown" {
		t.Fatalf("expected unknown fallback, got %q", got)
	}
}
