// Package ratelimit provides per-caller token buckets for the HTTP
// surface, in process or shared across relay replicas through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines a bucket: RPM tokens per minute, up to Burst at once.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// RetryAfter is the whole-second wait suggested to a limited caller.
func (p Policy) RetryAfter() int {
	if p.RPM <= 0 || p.RPM >= 60 {
		return 1
	}
	return 60 / p.RPM
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens under policy.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InMemoryLimiterStore keeps one x/time/rate limiter per key. Suitable for
// a single relay process.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{visitors: make(map[string]*visitor), now: time.Now}
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops keys idle for longer than ttl and returns how many were removed.
func (s *InMemoryLimiterStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	cutoff := s.now().Add(-ttl)
	for key, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, key)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps idle keys every interval until ctx is done.
func (s *InMemoryLimiterStore) RunCleanup(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ttl)
		}
	}
}
