package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mailer-service/internal/metrics"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// MiddlewareConfig supplies the per-request policy. Nil funcs fall back to
// cost 1, no skipping and a single shared key.
type MiddlewareConfig struct {
	Cost func(r *http.Request) float64
	Skip func(r *http.Request) bool
	Key  func(r *http.Request) string
}

// Limiter admits requests against per-key buckets.
type Limiter interface {
	Admit(key string, cost float64) Decision
	LimitHeader() string
}

// Middleware admits or rejects each request before it reaches next.
func (m *Manager) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return newMiddleware(m, m.logger, cfg)
}

func newMiddleware(l Limiter, logger *zap.Logger, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Cost == nil {
		cfg.Cost = func(*http.Request) float64 { return 1 }
	}
	if cfg.Key == nil {
		cfg.Key = func(*http.Request) string { return "user:anonymous" }
	}
	limit := l.LimitHeader()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.Key(r)
			d := l.Admit(key, cfg.Cost(r))
			if !d.Allowed {
				metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
				logger.Debug("Request rate limited",
					zap.String("key", key),
					zap.String("path", r.URL.Path),
					zap.Int("retry_after", d.RetryAfter))
				writeRejection(w, d)
				return
			}
			metrics.RateLimitDecisions.WithLabelValues("admitted").Inc()

			h := w.Header()
			h.Set(HeaderLimit, limit)
			h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderReset, strconv.Itoa(d.Reset))
			next.ServeHTTP(w, r)
		})
	}
}

func writeRejection(w http.ResponseWriter, d Decision) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":     false,
		"status_code": http.StatusTooManyRequests,
		"message":     "rate_limited",
		"error":       d.Err().Error(),
		"data":        map[string]int{"retry_after": d.RetryAfter},
	})
}

// PathCost charges heavyCost for the listed paths and defaultCost otherwise.
func PathCost(defaultCost, heavyCost float64, heavyPaths []string) func(*http.Request) float64 {
	heavy := make(map[string]struct{}, len(heavyPaths))
	for _, p := range heavyPaths {
		heavy[strings.TrimSpace(p)] = struct{}{}
	}
	return func(r *http.Request) float64 {
		if _, ok := heavy[r.URL.Path]; ok {
			return heavyCost
		}
		return defaultCost
	}
}

// SkipPaths bypasses the limiter for exact path matches.
func SkipPaths(paths []string) func(*http.Request) bool {
	skip := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		skip[strings.TrimSpace(p)] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := skip[r.URL.Path]
		return ok
	}
}

// IdentityKey keys buckets by "user:{uid}". Unauthenticated callers share
// anonymousKey, or get "ip:{addr}" when perIP is set.
func IdentityKey(identity func(r *http.Request) (string, bool), anonymousKey string, perIP bool) func(*http.Request) string {
	return func(r *http.Request) string {
		if uid, ok := identity(r); ok && uid != "" {
			return "user:" + uid
		}
		if perIP {
			return "ip:" + clientIP(r)
		}
		return anonymousKey
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
