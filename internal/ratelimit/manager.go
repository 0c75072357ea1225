package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailer-service/internal/metrics"
)

var (
	ErrInvalidConfig = errors.New("invalid rate limit configuration")
	ErrRateLimited   = errors.New("rate limited")
)

const defaultSweepInterval = 60 * time.Second

// LimitError is returned for rejected requests.
type LimitError struct {
	RetryAfter int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type Config struct {
	RatePerSecond float64
	Capacity      float64
	IdleTTL       time.Duration
	// SweepInterval bounds how often idle buckets are collected. Defaults to 60s.
	SweepInterval time.Duration
}

func (c Config) validate() error {
	switch {
	case c.RatePerSecond < 0:
		return fmt.Errorf("%w: rate_per_second must be >= 0", ErrInvalidConfig)
	case c.Capacity <= 0:
		return fmt.Errorf("%w: capacity must be > 0", ErrInvalidConfig)
	case c.IdleTTL <= 0:
		return fmt.Errorf("%w: idle_ttl must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int
	Reset      int
}

// Err returns a *LimitError for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{RetryAfter: d.RetryAfter}
}

type Stats struct {
	ActiveBuckets  int
	TrackedKeys    int
	BucketsCreated int64
	BucketsEvicted int64
}

type Option func(*Manager)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager is an in-process token bucket limiter keyed by caller identity.
// A single mutex serializes lookup, refill and deduction for every key.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	lastSeen  map[string]time.Time
	nextSweep time.Time

	created atomic.Int64
	evicted atomic.Int64
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		buckets:  make(map[string]*TokenBucket),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.nextSweep = m.now().Add(cfg.SweepInterval)
	return m, nil
}

// Admit charges cost credits to key's bucket.
func (m *Manager) Admit(key string, cost float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweepLocked(now)

	b, ok := m.buckets[key]
	if !ok {
		b = newBucket(m.cfg.Capacity, now)
		m.buckets[key] = b
		m.created.Add(1)
		metrics.RateLimitBuckets.Set(float64(len(m.buckets)))
	}

	b.refill(m.cfg.RatePerSecond, m.cfg.Capacity, now)
	m.lastSeen[key] = now

	return m.cfg.decide(b.take(cost), b.Tokens, cost)
}

// decide renders the outcome of a charge against a bucket left holding tokens.
func (c Config) decide(allowed bool, tokens, cost float64) Decision {
	if allowed {
		return Decision{
			Allowed:   true,
			Remaining: int(tokens),
			Reset:     secondsUntil(c.Capacity-tokens, c.RatePerSecond),
		}
	}
	retryAfter := secondsUntil(cost-tokens, c.RatePerSecond)
	return Decision{
		Allowed:    false,
		Remaining:  int(tokens),
		RetryAfter: retryAfter,
		Reset:      retryAfter,
	}
}

// Sweep removes every bucket idle for longer than IdleTTL, regardless of the sweep schedule.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.nextSweep = now.Add(m.cfg.SweepInterval)
	return m.sweepLocked(now)
}

func (m *Manager) maybeSweepLocked(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(m.cfg.SweepInterval)
	m.sweepLocked(now)
}

func (m *Manager) sweepLocked(now time.Time) int {
	removed := 0
	for key, seen := range m.lastSeen {
		if now.Sub(seen) > m.cfg.IdleTTL {
			delete(m.lastSeen, key)
			delete(m.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		m.evicted.Add(int64(removed))
		metrics.RateLimitBucketsEvicted.Add(float64(removed))
		metrics.RateLimitBuckets.Set(float64(len(m.buckets)))
		m.logger.Debug("Evicted idle rate limit buckets", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps on SweepInterval until ctx is cancelled, so idle buckets are
// collected even without traffic. Shaped for errgroup.Go.
func (m *Manager) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.mu.Lock()
				m.maybeSweepLocked(m.now())
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveBuckets:  len(m.buckets),
		TrackedKeys:    len(m.lastSeen),
		BucketsCreated: m.created.Load(),
		BucketsEvicted: m.evicted.Load(),
	}
}

// Tokens reports the stored credits of key without refilling it.
func (m *Manager) Tokens(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0, false
	}
	return b.Tokens, true
}

// LimitHeader renders the X-RateLimit-Limit value, e.g. "1/sec; burst=20".
func (m *Manager) LimitHeader() string {
	return strconv.FormatFloat(m.cfg.RatePerSecond, 'f', -1, 64) + "/sec; burst=" +
		strconv.FormatFloat(m.cfg.Capacity, 'f', -1, 64)
}
