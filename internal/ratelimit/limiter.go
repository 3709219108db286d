// Package ratelimit throttles heartbeat ingestion and notification dispatch.
// One interface, two interchangeable backends: a process-local fixed-window
// counter, adequate for a single instance, and a Redis shared counter for
// multi-instance deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate limit check. A rejected request is an
// explicit signal to the caller; nothing else is mutated.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the common interface over both backends.
type Limiter interface {
	// Allow records one request against key and reports whether it is within
	// the configured limit.
	Allow(ctx context.Context, key string) (Decision, error)

	// Backend returns the backend name for logging.
	Backend() string
}

// window is one fixed counting window for a key.
type window struct {
	start time.Time
	count int
}

// MemoryLimiter is a process-local fixed-window counter.
type MemoryLimiter struct {
	limit  int
	period time.Duration

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

// NewMemoryLimiter creates an in-process limiter allowing limit requests per
// period for each key.
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		period:  period,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.period {
		w = &window{start: now}
		m.windows[key] = w
	}

	w.count++
	if w.count > m.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(m.period).Sub(now),
		}, nil
	}

	return Decision{Allowed: true, Remaining: m.limit - w.count}, nil
}

// Backend implements Limiter.
func (m *MemoryLimiter) Backend() string {
	return "memory"
}
