package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.rate != 10 || rl.burst != 20 {
		t.Errorf("unexpected defaults rate=%v burst=%v", rl.rate, rl.burst)
	}
}

func TestRateLimiter_AllowBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	if got := rl.Tokens(); got != 3 {
		t.Errorf("expected full bucket of 3 tokens, got %v", got)
	}

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d within burst must be allowed", i)
		}
	}
	if rl.Allow() {
		t.Error("request beyond burst must be rejected")
	}
	if got := rl.Tokens(); got >= 1 {
		t.Errorf("bucket should be drained, got %v tokens", got)
	}
}

func TestRateLimiter_WaitRefills(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	if !rl.Allow() {
		t.Fatal("first request must pass")
	}

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait took too long for 100 req/sec")
	}
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestVenueLimiter(t *testing.T) {
	vl := NewVenueLimiter().Set(CategoryOrder, 1, 1)

	if vl.Get(CategoryOrder) == nil {
		t.Fatal("order limiter not set")
	}
	if vl.Get(CategoryQuery) != nil {
		t.Error("query limiter must be absent")
	}

	ctx := context.Background()
	if err := vl.Wait(ctx, CategoryQuery); err != nil {
		t.Errorf("unlimited category must pass: %v", err)
	}
	if err := vl.Wait(ctx, CategoryOrder); err != nil {
		t.Errorf("first order token must pass: %v", err)
	}
	if vl.Get(CategoryOrder).Allow() {
		t.Error("order bucket must be empty")
	}
}
