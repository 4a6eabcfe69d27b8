package autoscaler

import "time"

// TokenBucket is an immutable, functional token bucket: every take returns a
// new bucket value rather than mutating in place, so the admission math stays
// pure and the caller decides whether and when to commit the new value into
// the tier's execution state.
type TokenBucket struct {
	capacity       int
	refillAmount   int
	refillInterval time.Duration
	tokens         int
	lastRefillAt   time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate (refillAmount tokens every refillInterval).
func NewTokenBucket(capacity, refillAmount int, refillInterval time.Duration, now time.Time) TokenBucket {
	return TokenBucket{
		capacity:       capacity,
		refillAmount:   refillAmount,
		refillInterval: refillInterval,
		tokens:         capacity,
		lastRefillAt:   now,
	}
}

func (b TokenBucket) refill(now time.Time) TokenBucket {
	if b.refillInterval <= 0 || now.Before(b.lastRefillAt) {
		return b
	}
	elapsed := now.Sub(b.lastRefillAt)
	periods := int(elapsed / b.refillInterval)
	if periods <= 0 {
		return b
	}
	b.tokens += periods * b.refillAmount
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefillAt = b.lastRefillAt.Add(time.Duration(periods) * b.refillInterval)
	return b
}

// TryTake attempts to withdraw between min and max tokens as of now,
// refilling first. It returns the number of tokens actually granted
// (capped at the bucket's available balance), the resulting bucket value,
// and whether the minimum could be met at all.
func (b TokenBucket) TryTake(now time.Time, min, max int) (granted int, next TokenBucket, ok bool) {
	refilled := b.refill(now)
	if max > refilled.tokens {
		max = refilled.tokens
	}
	if max < min {
		return 0, b, false
	}
	refilled.tokens -= max
	return max, refilled, true
}

// Available reports the current token balance as of now after an implicit
// refill, without consuming anything. Used by tests and by the status API.
func (b TokenBucket) Available(now time.Time) int {
	return b.refill(now).tokens
}
