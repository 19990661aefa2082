package ratelimit

import (
	"strconv"
	"testing"
	"time"
)

func TestLimiterBlocksAfterMaxRequests(t *testing.T) {
	limiter := NewLimiter(2, time.Minute)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if !limiter.Allow("acme", now) || !limiter.Allow("acme", now) {
		t.Fatalf("expected first two requests to pass")
	}
	if limiter.Allow("acme", now) {
		t.Fatalf("expected third request to be limited")
	}
	if !limiter.Allow("globex", now) {
		t.Fatalf("expected other keys to be unaffected")
	}
	if got := limiter.Remaining("acme", now); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	limiter := NewLimiter(1, time.Minute)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	limiter.Allow("acme", now)
	if limiter.Allow("acme", now.Add(30*time.Second)) {
		t.Fatalf("expected request inside window to be limited")
	}
	if !limiter.Allow("acme", now.Add(time.Minute)) {
		t.Fatalf("expected new window to allow request")
	}
	if got := limiter.Remaining("acme", now.Add(3*time.Minute)); got != 1 {
		t.Fatalf("expected full budget after window, got %d", got)
	}
}

func TestLimiterPrunesExpiredBuckets(t *testing.T) {
	limiter := NewLimiter(1, time.Second)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < pruneThreshold; i++ {
		limiter.Allow("client-"+strconv.Itoa(i), now)
	}
	limiter.Allow("late", now.Add(2*time.Second))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.buckets) != 1 {
		t.Fatalf("expected expired buckets to be pruned, got %d", len(limiter.buckets))
	}
}
