package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a keyed token-bucket limiter, generalized from a single
// per-process gateway to one bucket per key (per external-client IP, or per
// tunnel subdomain) so one noisy tenant cannot starve another's admission.
// It protects the process from overload; it does not attempt to arbitrate
// fairness between tenants.
type RateLimiter struct {
	mu sync.Mutex
	buckets map[string]*bucket
	r rate.Limit
	burst int
	ttl time.Duration
	maxEntries int
	cancel context.CancelFunc
}

// NewRateLimiter creates a limiter allowing r events/sec per key with the
// given burst, evicting buckets unused for ttl to bound memory.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		r: r,
		burst: burst,
		ttl: 10 * time.Minute,
		maxEntries: 10000,
		cancel: cancel,
	}
	go rl.cleanupLoop(ctx)
	return rl
}

// Allow reports whether the caller identified by key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		if len(rl.buckets) >= rl.maxEntries {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()
	return b.limiter.Allow()
}

// Stop terminates the background eviction loop.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if time.Since(b.lastSeen) > rl.ttl {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
