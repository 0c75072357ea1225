package ratelimit

import (
	"math"
	"time"
)

// minRate stands in for a zero refill rate so waits stay finite.
const minRate = 1e-6

// TokenBucket holds the admission credits of a single key.
type TokenBucket struct {
	Tokens     float64
	LastAccess time.Time
}

func newBucket(capacity float64, now time.Time) *TokenBucket {
	return &TokenBucket{Tokens: capacity, LastAccess: now}
}

// refill adds rate*elapsed credits, capped at capacity.
func (b *TokenBucket) refill(rate, capacity float64, now time.Time) {
	elapsed := now.Sub(b.LastAccess).Seconds()
	if elapsed > 0 {
		b.Tokens = math.Min(capacity, b.Tokens+rate*elapsed)
	}
	b.Tokens = math.Max(0, math.Min(capacity, b.Tokens))
	b.LastAccess = now
}

// take deducts cost when enough credits are available.
func (b *TokenBucket) take(cost float64) bool {
	if b.Tokens < cost {
		return false
	}
	b.Tokens -= cost
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	return true
}

func safeRate(rate float64) float64 {
	return math.Max(rate, minRate)
}

// secondsUntil returns ceil(deficit/rate) clamped to MaxInt32.
func secondsUntil(deficit, rate float64) int {
	if deficit <= 0 {
		return 0
	}
	s := math.Ceil(deficit / safeRate(rate))
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(s)
}
