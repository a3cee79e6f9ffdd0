package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testRule(t *testing.T, client *redis.Client) Rule {
	t.Helper()
	rule := Rule{Key: fmt.Sprintf("rl:test:%d:", time.Now().UnixNano()), Limit: 3, Window: 5 * time.Second}
	t.Cleanup(func() { client.Del(context.Background(), rule.Key+"alice") })
	return rule
}

// ---------------------------------------------------------------------------
// Test: window accounting (requires Redis on localhost:6379)
// ---------------------------------------------------------------------------

func TestLimiter_AllowUpToLimit(t *testing.T) {
	client := setupRedis(t)
	l := NewLimiter(client)
	rule := testRule(t, client)
	ctx := context.Background()

	for i := 1; i <= rule.Limit; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got %v (%v)", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "alice", rule); ok {
		t.Error("expected request over the limit to be refused")
	}

	ttl := client.TTL(ctx, rule.Key+"alice").Val()
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("expected TTL within window, got %v", ttl)
	}
}

func TestLimiter_CheckReturnsErrLimited(t *testing.T) {
	client := setupRedis(t)
	l := NewLimiter(client)
	rule := testRule(t, client)
	ctx := context.Background()

	for i := 0; i < rule.Limit; i++ {
		if err := l.Check(ctx, "alice", rule); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if err := l.Check(ctx, "alice", rule); !errors.Is(err, ErrLimited) {
		t.Errorf("expected ErrLimited, got %v", err)
	}
}

func TestLimiter_Remaining(t *testing.T) {
	client := setupRedis(t)
	l := NewLimiter(client)
	rule := testRule(t, client)
	ctx := context.Background()

	if n, _ := l.Remaining(ctx, "alice", rule); n != rule.Limit {
		t.Errorf("expected full limit before any request, got %d", n)
	}
	l.Allow(ctx, "alice", rule)
	if n, _ := l.Remaining(ctx, "alice", rule); n != rule.Limit-1 {
		t.Errorf("expected %d remaining, got %d", rule.Limit-1, n)
	}
}

// ---------------------------------------------------------------------------
// Test: fail open
// ---------------------------------------------------------------------------

func TestLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "alice", RuleMessage)
	if !ok || err == nil {
		t.Errorf("expected allowed with error, got %v (%v)", ok, err)
	}
	if err := l.Check(context.Background(), "alice", RuleMessage); err != nil {
		t.Errorf("expected Check to fail open, got %v", err)
	}
}
