// Package ratelimit bounds how fast any single actor can push actions
// through the gate. Backpressure is not authorization: a limited
// request is retried, never silently allowed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines per-actor limits.
type Policy struct {
	RPM   int // sustained requests per minute
	Burst int // instantaneous burst capacity
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether the actor may perform an action costing
	// 'cost' tokens right now.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per actor in process.
// Suitable for single-instance deployments and tests.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		buckets: make(map[string]*rate.Limiter),
	}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[actorID]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		s.buckets[actorID] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(time.Now(), cost), nil
}
