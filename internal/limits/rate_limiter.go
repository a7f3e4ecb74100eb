// Package limits provides keyed token-bucket rate limiting for guarded hub
// operations.
package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// bucketTTL is how long an idle key's bucket is retained before the sweep
// reclaims it.
const bucketTTL = 5 * time.Minute

type bucket struct {
	limiter *rate.Limiter
	// unix nanos, written on every acquire and read by the sweep goroutine
	lastAccess atomic.Int64
}

// RateLimiter is a sharded map of token buckets, one per key (client
// principal by default; remote address for webhook/polling callers). Refill
// is lazy: rate.Limiter computes available tokens from elapsed time on
// access, so no per-bucket timer exists.
type RateLimiter struct {
	buckets *xsync.Map[string, *bucket]
	rps     float64
	burst   int
	enabled bool
	log     zerolog.Logger
}

// NewRateLimiter configures buckets with refill rps and capacity burst.
// rps = 0 disables the limiter entirely.
func NewRateLimiter(rps float64, burst int, log zerolog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets: xsync.NewMap[string, *bucket](),
		rps:     rps,
		burst:   burst,
		enabled: rps > 0,
		log:     log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Enabled reports whether limiting is in effect.
func (l *RateLimiter) Enabled() bool { return l.enabled }

// Allow consumes one token for key. On refusal it returns the duration after
// which a retry can succeed.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	return l.AllowN(key, 1)
}

// AllowN consumes cost tokens for key.
func (l *RateLimiter) AllowN(key string, cost int) (bool, time.Duration) {
	if !l.enabled {
		return true, 0
	}
	b, _ := l.buckets.LoadOrCompute(key, func() (*bucket, bool) {
		nb := &bucket{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		nb.lastAccess.Store(time.Now().UnixNano())
		return nb, false
	})
	b.lastAccess.Store(time.Now().UnixNano())

	r := b.limiter.ReserveN(time.Now(), cost)
	if !r.OK() {
		// cost exceeds burst; it can never succeed.
		return false, time.Duration(float64(cost) / l.rps * float64(time.Second))
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// RunSweeper reclaims idle buckets until ctx is cancelled.
func (l *RateLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if !l.enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *RateLimiter) sweep() {
	cutoff := time.Now().Add(-bucketTTL).UnixNano()
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		if b.lastAccess.Load() < cutoff {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("Swept idle rate limiter buckets")
	}
}

// Keys returns the number of tracked buckets.
func (l *RateLimiter) Keys() int {
	return l.buckets.Size()
}
