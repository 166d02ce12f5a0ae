package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits requests per caller+bucket key. Each key gets its own
// token bucket refilling at the per-minute rate with burst headroom equal to
// one minute's allowance. State is in-memory per gateway instance.
type RateLimiter struct {
	perMinute int
	entries   sync.Map // key -> *limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{perMinute: perMinute}
}

// Allow reports whether this caller may proceed, and on denial how many
// seconds to wait before retrying.
func (l *RateLimiter) Allow(caller, bucket string) (bool, int) {
	key := caller + "|" + bucket

	v, ok := l.entries.Load(key)
	if !ok {
		limit := rate.Every(time.Minute / time.Duration(l.perMinute))
		v, _ = l.entries.LoadOrStore(key, &limiterEntry{
			limiter: rate.NewLimiter(limit, l.perMinute),
		})
	}
	entry := v.(*limiterEntry)

	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()

	if entry.limiter.Allow() {
		return true, 0
	}

	// Next token arrives after one refill interval; round up to whole
	// seconds for the Retry-After header.
	wait := time.Minute / time.Duration(l.perMinute)
	seconds := int(wait.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return false, seconds
}

const limiterIdleTTL = 3 * time.Minute

// EvictIdle runs until the context ends, dropping entries nobody has used
// for a while so one-off callers do not accumulate forever.
func (l *RateLimiter) EvictIdle(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterIdleTTL)
			l.entries.Range(func(key, v any) bool {
				entry := v.(*limiterEntry)
				entry.mu.Lock()
				idle := entry.lastSeen.Before(cutoff)
				entry.mu.Unlock()
				if idle {
					l.entries.Delete(key)
				}
				return true
			})
		}
	}
}
