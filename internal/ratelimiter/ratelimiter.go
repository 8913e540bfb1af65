// Package ratelimiter implements the per-client Rate Limit Bucket (spec
// §4.7) with token-bucket semantics via golang.org/x/time/rate.
//
// Adapted from the teacher's middleware.RateLimiter: same RWMutex
// read-first / double-checked-locking shape and the same background
// cleanup ticker for expiring idle keys, but the per-key state is now a
// *rate.Limiter instead of a fixed one-minute sliding window counter.
package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the token-bucket thresholds (spec §6.3 rate_limit.*).
type Config struct {
	RequestsPerSecond float64
	Burst             int
	IdleExpiry        time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RequestsPerSecond) * 2
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 10 * time.Minute
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a token bucket per key (typically client IP or API key).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     Config
	stop    chan struct{}
}

// New starts a Limiter and its background idle-bucket sweep.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the background sweep.
func (l *Limiter) Close() { close(l.stop) }

// Allow reports whether a request for key may proceed now, consuming a
// token if so (spec §4.7 "Allow"). Uses the same read-first /
// double-checked-locking shape as the teacher's sliding-window limiter.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).limiter.Allow()
}

// Check implements spec §4.7's `check(client_id, cost) -> {allowed,
// retry_after_seconds}`: on success a token is consumed; on denial no token
// is consumed and retryAfter reports how long until one would be available.
func (l *Limiter) Check(key string) (allowed bool, retryAfter time.Duration) {
	b := l.bucketFor(key)
	now := time.Now()
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// bucketFor returns the bucket for key, creating it on first use. Uses the
// same read-first / double-checked-locking shape as the teacher's
// sliding-window limiter.
func (l *Limiter) bucketFor(key string) *bucket {
	now := time.Now()

	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		l.mu.Lock()
		b.lastSeen = now
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, exists = l.buckets[key]; exists {
		b.lastSeen = now
		return b
	}

	b = &bucket{
		limiter:  rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		lastSeen: now,
	}
	l.buckets[key] = b
	return b
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, b := range l.buckets {
				if now.Sub(b.lastSeen) > l.cfg.IdleExpiry {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stats reports current limiter occupancy (spec §6.1 could surface this via
// cache/status-style diagnostics endpoints).
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"active_buckets":      len(l.buckets),
		"requests_per_second": l.cfg.RequestsPerSecond,
		"burst":               l.cfg.Burst,
	}
}
