package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FailedUserSource lists users whose failed list may be non-empty.
type FailedUserSource interface {
	FailedUsers(ctx context.Context) ([]int64, error)
}

// RetryScheduler periodically dispatches a retry pass for every user with failed jobs.
type RetryScheduler struct {
	source     FailedUserSource
	dispatcher Dispatcher
	interval   time.Duration
	logger     *zap.Logger
}

func NewRetryScheduler(source FailedUserSource, dispatcher Dispatcher, interval time.Duration, logger *zap.Logger) *RetryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryScheduler{source: source, dispatcher: dispatcher, interval: interval, logger: logger}
}

// Tick dispatches one retry pass per registered user and returns how many were dispatched.
func (s *RetryScheduler) Tick(ctx context.Context) (int, error) {
	users, err := s.source.FailedUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users with failed jobs: %w", err)
	}

	dispatched := 0
	for _, uid := range users {
		if err := s.dispatcher.Dispatch(ctx, NewRun(KindRetry, uid, nil, nil)); err != nil {
			if ctx.Err() != nil {
				return dispatched, ctx.Err()
			}
			s.logger.Warn("Failed to dispatch retry pass", zap.Int64("uid", uid), zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *RetryScheduler) Run(ctx context.Context) func() error {
	return func() error {
		if s.interval <= 0 {
			s.logger.Info("Retry scheduler disabled")
			return nil
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("Retry scheduler started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retry scheduler stopped")
				return nil
			case <-ticker.C:
				n, err := s.Tick(ctx)
				if err != nil && ctx.Err() == nil {
					s.logger.Error("Retry tick failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("Dispatched retry passes", zap.Int("users", n))
				}
			}
		}
	}
}
