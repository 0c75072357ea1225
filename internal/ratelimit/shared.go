package ratelimit

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/metrics"
)

const sharedTimeout = 250 * time.Millisecond

// BucketStore refills and charges buckets held outside the process.
type BucketStore interface {
	TakeTokens(ctx context.Context, key string, cost, capacity, rate float64, now time.Time, idleTTL time.Duration) (bool, float64, error)
}

// SharedLimiter charges buckets in a BucketStore so every API process draws
// from the same budget per key. While the store is failing it admits against
// the local Manager instead.
type SharedLimiter struct {
	store BucketStore
	local *Manager
}

func NewSharedLimiter(store BucketStore, local *Manager) *SharedLimiter {
	return &SharedLimiter{store: store, local: local}
}

func (s *SharedLimiter) Admit(key string, cost float64) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), sharedTimeout)
	defer cancel()

	cfg := s.local.cfg
	allowed, tokens, err := s.store.TakeTokens(ctx, key, cost, cfg.Capacity, cfg.RatePerSecond, s.local.now(), cfg.IdleTTL)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("store_error").Inc()
		s.local.logger.Warn("Shared rate limit store unavailable, using local bucket",
			zap.String("key", key), zap.Error(err))
		return s.local.Admit(key, cost)
	}
	return cfg.decide(allowed, tokens, cost)
}

func (s *SharedLimiter) LimitHeader() string {
	return s.local.LimitHeader()
}

func (s *SharedLimiter) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return newMiddleware(s, s.local.logger, cfg)
}
