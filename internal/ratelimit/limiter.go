package ratelimit

import (
	"sync"
	"time"
)

// pruneThreshold bounds how many idle buckets accumulate before Allow
// sweeps expired windows.
const pruneThreshold = 4096

// Limiter is a fixed-window limiter keyed by organization or client address.
type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	buckets     map[string]*bucket
}

type bucket struct {
	count       int
	windowStart time.Time
}

func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		window:      window,
		maxRequests: maxRequests,
		buckets:     make(map[string]*bucket),
	}
}

func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.pruneLocked(now)
		}
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return true
	}

	if now.Sub(current.windowStart) >= l.window {
		current.windowStart = now
		current.count = 1
		return true
	}

	if current.count >= l.maxRequests {
		return false
	}

	current.count++
	return true
}

// Remaining reports how many requests key may still issue in its window.
func (l *Limiter) Remaining(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.buckets[key]
	if !ok || now.Sub(current.windowStart) >= l.window {
		return l.maxRequests
	}
	return max(l.maxRequests-current.count, 0)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, key)
		}
	}
}
