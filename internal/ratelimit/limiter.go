// Package ratelimit provides per-client sliding-window rate limiting with an
// in-memory backend for single instances and a Redis backend for replicated
// deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding interval all limits are expressed over.
const Window = time.Minute

// Limiter answers whether one more request from the given bucket is allowed
// right now.
type Limiter interface {
	Allow(ctx context.Context, bucket string, limit int) (bool, error)
}

// MemoryLimiter is a sliding-window limiter over in-process state.
type MemoryLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (l *MemoryLimiter) WithNow(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow records the request and reports whether it fits the bucket's limit
// within the sliding window. A denied request is not recorded.
func (l *MemoryLimiter) Allow(_ context.Context, bucket string, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)

	kept := l.history[bucket][:0]
	for _, t := range l.history[bucket] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.history[bucket] = kept
		return false, nil
	}
	l.history[bucket] = append(kept, now)
	return true, nil
}

// Reset clears all recorded requests.
func (l *MemoryLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = make(map[string][]time.Time)
}
