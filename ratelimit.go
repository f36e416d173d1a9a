package relay

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

const rateLimitKeyPrefix = "rl:"

// rateBucket is the persisted token-bucket state for one user.
type rateBucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // unix milliseconds
}

// RateLimiter is a per-user token bucket stored in the Bus KV so every
// worker process draws from the same budget. Updates go through
// compare-and-set; on contention the losing writer re-reads and retries.
type RateLimiter struct {
	kv       KV
	capacity float64
	refill   float64 // tokens per second
	now      func() time.Time
}

// NewRateLimiter builds a limiter with the given bucket capacity and
// refill rate (tokens per second).
func NewRateLimiter(kv KV, capacity, refillPerSec float64) *RateLimiter {
	if capacity <= 0 {
		capacity = 10
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &RateLimiter{kv: kv, capacity: capacity, refill: refillPerSec, now: time.Now}
}

// Allow consumes one token from userID's bucket if available. A drained
// bucket rejects the immediate next event and admits one again after
// ceil(1/refill_per_sec) seconds.
func (l *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := rateLimitKeyPrefix + userID
	for attempt := 0; attempt < 5; attempt++ {
		old, err := l.kv.Get(ctx, key)
		nowMS := l.now().UnixMilli()

		var b rateBucket
		fresh := false
		switch {
		case err == nil:
			if json.Unmarshal([]byte(old), &b) != nil {
				b = rateBucket{Tokens: l.capacity, LastRefill: nowMS}
				fresh = true
			}
		case err == ErrNotFound:
			b = rateBucket{Tokens: l.capacity, LastRefill: nowMS}
			fresh = true
		default:
			return false, err
		}

		// Refill at exactly refillPerSec, capped at capacity.
		elapsed := float64(nowMS-b.LastRefill) / 1000.0
		if elapsed > 0 {
			b.Tokens = math.Min(l.capacity, b.Tokens+elapsed*l.refill)
			b.LastRefill = nowMS
		}

		allowed := b.Tokens >= 1
		if allowed {
			b.Tokens--
		}

		raw, err := json.Marshal(b)
		if err != nil {
			return false, err
		}
		ttl := l.bucketTTL()
		if fresh {
			ok, err := l.kv.SetNX(ctx, key, string(raw), ttl)
			if err != nil {
				return false, err
			}
			if ok {
				return allowed, nil
			}
			continue // someone created it first, retry
		}
		ok, err := l.kv.CompareAndSet(ctx, key, old, string(raw), ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return allowed, nil
		}
	}
	// Contention exhausted the retry budget; fail closed.
	return false, nil
}

// bucketTTL keeps idle buckets around long enough to refill fully, then
// lets the store reclaim them.
func (l *RateLimiter) bucketTTL() time.Duration {
	full := time.Duration(l.capacity/l.refill) * time.Second
	if full < time.Minute {
		full = time.Minute
	}
	return 2 * full
}
