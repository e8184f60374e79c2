// Copyright 2025 Certen Protocol

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter hands out a per-client token bucket, lazily created on first
// use with the gateway's configured capacity and refill rate.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity float64
	refill   float64
}

// NewRateLimiter builds a limiter where every client gets its own bucket of
// the given capacity (burst) refilled at refillPerSec tokens/second.
func NewRateLimiter(capacity, refillPerSec float64) *RateLimiter {
	return &RateLimiter{
		buckets:  map[string]*rate.Limiter{},
		capacity: capacity,
		refill:   refillPerSec,
	}
}

// Allow reports whether clientID may proceed right now, consuming one token
// from its bucket if so.
func (r *RateLimiter) Allow(clientID string) bool {
	return r.bucketFor(clientID).Allow()
}

// Limit is the bucket capacity every client starts with, exposed for the
// x-ratelimit-limit response header.
func (r *RateLimiter) Limit() int {
	return int(r.capacity)
}

// Remaining reports how many whole tokens clientID's bucket holds right now,
// exposed for the x-ratelimit-remaining response header.
func (r *RateLimiter) Remaining(clientID string) int {
	t := int(r.bucketFor(clientID).Tokens())
	if t < 0 {
		return 0
	}
	return t
}

func (r *RateLimiter) bucketFor(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(r.refill), int(r.capacity))
		r.buckets[clientID] = b
	}
	return b
}
